// Package history persists captured shell commands.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/termdeck/internal/logutil"
)

// DefaultRecentLimit caps Recent when n is not positive.
const DefaultRecentLimit = 50

// Command is one line entered in a session.
type Command struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index;not null" json:"session_id"`
	Text      string    `gorm:"not null" json:"text"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Store is the command history database. It implements session.HistorySink.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	nowFn func() time.Time
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := db.AutoMigrate(&Command{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, log: log.Named("history"), nowFn: time.Now}, nil
}

// SetNowFunc sets the clock used for new records and pruning.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

// RecordCommand stores a captured command. It is called on the input path,
// so failures are logged rather than returned.
func (s *Store) RecordCommand(sessionID, text string) {
	rec := Command{SessionID: sessionID, Text: text, CreatedAt: s.nowFn()}
	if err := s.db.Create(&rec).Error; err != nil {
		s.log.Warn("failed to record command",
			zap.String("session", sessionID),
			zap.String("command", logutil.SanitizeForLog(text)),
			zap.Error(err))
	}
}

// Recent returns up to n commands of sessionID, newest first.
func (s *Store) Recent(sessionID string, n int) ([]Command, error) {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	var out []Command
	err := s.db.Where("session_id = ?", sessionID).
		Order("created_at DESC").Order("id DESC").
		Limit(n).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return out, nil
}

// Prune deletes commands older than olderThan and returns how many went.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := s.nowFn().Add(-olderThan)
	result := s.db.Where("created_at < ?", cutoff).Delete(&Command{})
	if result.Error != nil {
		s.log.Warn("prune failed", zap.Error(result.Error))
		return 0, fmt.Errorf("prune history: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Info("pruned command history",
			zap.Int64("deleted", result.RowsAffected), zap.Duration("older_than", olderThan))
	}
	return result.RowsAffected, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
