package ingester

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB opens (creating if needed) the SQLite database at path and migrates
// the schema. Concurrent writers wait on the busy timeout instead of failing.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open db %q: %w", path, err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate db %q: %w", path, err)
	}
	return db, nil
}

// CloseDB closes the pool behind db.
func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

// Repo is a typed accessor over one model. Every method takes the handle to
// use so callers decide whether it runs inside a transaction.
type Repo[T any] struct{}

// Find returns the first row matching conds, or ErrNotFound.
func (Repo[T]) Find(ctx context.Context, tx *gorm.DB, query string, args ...any) (*T, error) {
	var row T
	err := tx.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindOrCreate returns the row matching query, inserting fresh when none
// exists. created reports whether the insert happened.
func (r Repo[T]) FindOrCreate(ctx context.Context, tx *gorm.DB, fresh T, query string, args ...any) (*T, bool, error) {
	row, err := r.Find(ctx, tx, query, args...)
	if err == nil {
		return row, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := tx.WithContext(ctx).Create(&fresh).Error; err != nil {
		return nil, false, err
	}
	return &fresh, true, nil
}

// Update writes the given columns onto the row with primary key id.
func (Repo[T]) Update(ctx context.Context, tx *gorm.DB, id uint, cols map[string]any) error {
	if len(cols) == 0 {
		return nil
	}
	var model T
	return tx.WithContext(ctx).Model(&model).Where("id = ?", id).Updates(cols).Error
}

// Count returns the number of rows matching query.
func (Repo[T]) Count(ctx context.Context, tx *gorm.DB, query any, args ...any) (int64, error) {
	var model T
	var n int64
	q := tx.WithContext(ctx).Model(&model)
	if query != nil {
		q = q.Where(query, args...)
	}
	err := q.Count(&n).Error
	return n, err
}
