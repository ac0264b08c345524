package chatclient

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type conversationRow struct {
	ID        string `gorm:"primaryKey"`
	Data      []byte
	UpdatedAt time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type flagRow struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (flagRow) TableName() string { return "flags" }

// SQLiteStore keeps the cache in a SQLite file so conversations render offline.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (or creates) the database at path and migrates it.
// ":memory:" gives a throwaway store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&conversationRow{}, &flagRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadConversation(key string) ([]Entry, error) {
	var rows []conversationRow
	if err := s.db.Where("id = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(rows[0].Data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt conversation %s: %w", key, err)
	}
	return entries, nil
}

func (s *SQLiteStore) SaveConversation(key string, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	row := conversationRow{ID: key, Data: data, UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLiteStore) LoadFlags() (map[string]bool, error) {
	var rows []flagRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	flags := make(map[string]bool, len(rows))
	for _, r := range rows {
		flags[r.ID] = true
	}
	return flags, nil
}

func (s *SQLiteStore) SetFlag(flag string) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&flagRow{ID: flag}).Error
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
