package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/salmart/salmart-backend/internal/models"
)

// UserDirectory is the chat's read-only view of marketplace accounts.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error)
}

// PostgresUserDirectory reads the users table.
type PostgresUserDirectory struct {
	db *sql.DB
}

func NewPostgresUserDirectory(db *sql.DB) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db}
}

// Exists reports whether userID belongs to an active account.
func (d *PostgresUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND is_active = TRUE)
	`, userID).Scan(&exists)
	return exists, err
}

// Profiles returns the display profile of every active user in ids. Unknown ids are
// missing from the map.
func (d *PostgresUserDirectory) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(profile_picture, '')
		FROM users
		WHERE id = ANY($1) AND is_active = TRUE
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p models.UserProfile
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.ProfilePicture); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

const profileCacheTTL = 10 * time.Minute

// CachedUserDirectory keeps profiles and positive existence checks in Redis so the
// conversation list does not hit Postgres on every refresh.
type CachedUserDirectory struct {
	UserDirectory
	cache *CacheService
}

func NewCachedUserDirectory(inner UserDirectory, cache *CacheService) *CachedUserDirectory {
	return &CachedUserDirectory{UserDirectory: inner, cache: cache}
}

func (d *CachedUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	key := CacheKey("user-exists", userID)
	var ok bool
	if hit, _ := d.cache.Get(ctx, key, &ok); hit && ok {
		return true, nil
	}
	ok, err := d.UserDirectory.Exists(ctx, userID)
	if err != nil || !ok {
		return ok, err
	}
	if err := d.cache.Set(ctx, key, true, profileCacheTTL); err != nil {
		log.Printf("users: cache write failed for %s: %v", userID, err)
	}
	return true, nil
}

func (d *CachedUserDirectory) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(ids))
	var missing []string
	for _, id := range ids {
		var p models.UserProfile
		if hit, _ := d.cache.Get(ctx, CacheKey("profile", id), &p); hit {
			out[id] = p
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := d.UserDirectory.Profiles(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, p := range fetched {
		out[id] = p
		if err := d.cache.Set(ctx, CacheKey("profile", id), p, profileCacheTTL); err != nil {
			log.Printf("users: cache write failed for %s: %v", id, err)
		}
	}
	return out, nil
}
