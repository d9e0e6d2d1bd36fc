// Package journal keeps a bounded local history of agent events in SQLite.
// Frames are never stored.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// maxDetail matches the Detail column size.
const maxDetail = 1024

const (
	KindLifecycle = "lifecycle"
	KindSession   = "session"
	KindState     = "state"
	KindCommand   = "command"
	KindCapture   = "capture"
	KindError     = "error"
)

type Event struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"size:32;index" json:"kind"`
	Detail    string    `gorm:"size:1024" json:"detail"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Journal is safe for concurrent use. A nil or disabled journal accepts
// writes and returns no events.
type Journal struct {
	mu  sync.Mutex
	db  *gorm.DB
	max int
}

// Open creates or opens the database at path. An empty path gives a disabled journal.
func Open(path string, maxEvents int) (*Journal, error) {
	if path == "" {
		return &Journal{}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}
	return OpenDSN(path, maxEvents)
}

// OpenDSN opens a SQLite DSN directly, for example an in-memory database.
func OpenDSN(dsn string, maxEvents int) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, max: maxEvents}, nil
}

func (j *Journal) Enabled() bool {
	if j == nil {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db != nil
}

// Record appends one event and trims the table to the configured size.
func (j *Journal) Record(kind, detail string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}

	ev := Event{Kind: kind, Detail: truncate(detail, maxDetail)}
	if err := j.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	if j.max > 0 && int(ev.ID) > j.max {
		cutoff := int(ev.ID) - j.max
		if err := j.db.Where("id <= ?", cutoff).Delete(&Event{}).Error; err != nil {
			return fmt.Errorf("trim journal: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	if err := j.db.Order("id desc").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (j *Journal) Count() (int64, error) {
	if j == nil {
		return 0, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return 0, nil
	}
	var n int64
	err := j.db.Model(&Event{}).Count(&n).Error
	return n, err
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	j.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
