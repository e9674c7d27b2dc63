package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rickgao/livedata/internal/model"
)

type persistentRow struct {
	ID        string `gorm:"primaryKey"`
	UpdatedAt time.Time
}

func (persistentRow) TableName() string {
	return "persistent_subscriptions"
}

// SQLiteStore keeps persistent subscriptions in an embedded SQLite file.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !strings.Contains(path, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	// one connection keeps :memory: databases shared and writes serialized
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&persistentRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]model.PersistentSubscription, error) {
	var rows []persistentRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	out := make([]model.PersistentSubscription, len(rows))
	for i, r := range rows {
		out[i] = model.PersistentSubscription{ID: r.ID}
	}
	return out, nil
}

// SaveAll replaces the stored set in one transaction.
func (s *SQLiteStore) SaveAll(ctx context.Context, subs []model.PersistentSubscription) error {
	ids := sortedIDs(subs)
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if len(ids) > 0 {
			del = tx.Where("id NOT IN ?", ids)
		}
		if err := del.Delete(&persistentRow{}).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		rows := make([]persistentRow, len(ids))
		for i, id := range ids {
			rows[i] = persistentRow{ID: id, UpdatedAt: now}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("%w: save: %v", ErrStorage, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
