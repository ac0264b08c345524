package database

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"
)

var PostgresDB *sql.DB

// ConnectPostgres connects to the marketplace accounts database.
func ConnectPostgres(postgresURI string) error {
	var err error

	PostgresDB, err = sql.Open("postgres", postgresURI)
	if err != nil {
		return err
	}

	// Set connection pool settings
	PostgresDB.SetMaxOpenConns(25)
	PostgresDB.SetMaxIdleConns(5)
	PostgresDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = PostgresDB.PingContext(ctx); err != nil {
		return err
	}

	log.Println("✅ Connected to PostgreSQL")

	return InitPostgresTables()
}

// InitPostgresTables creates the tables the chat reads if they don't exist: account
// profiles for conversation lists and listing ownership for bargain roles. The
// marketplace owns these rows; the chat never writes them.
func InitPostgresTables() error {
	queries := []string{
		// User ids are the marketplace's string ids (Mongo ObjectId hex).
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name VARCHAR(100) NOT NULL DEFAULT '',
			last_name VARCHAR(100) NOT NULL DEFAULT '',
			profile_picture TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_active ON users(id) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES users(id),
			title VARCHAR(200) NOT NULL DEFAULT '',
			price NUMERIC(12, 2),
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_seller ON products(seller_id)`,
	}

	for _, query := range queries {
		if _, err := PostgresDB.Exec(query); err != nil {
			return err
		}
	}

	log.Println("✅ PostgreSQL tables initialized")
	return nil
}

// DisconnectPostgres closes the PostgreSQL connection
func DisconnectPostgres() error {
	if PostgresDB != nil {
		return PostgresDB.Close()
	}
	return nil
}
