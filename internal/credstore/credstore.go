// Package credstore implements the Credential Store external collaborator
// (spec.md §6): `lookup(account, password) -> {Ok|Denied|Error}` backed by
// a relational database through GORM. Lookups run off a bounded semaphore
// sized by database.max_pool_size, matching spec.md §5's "database calls
// are submitted to a blocking thread pool" rule — a session task must
// never block a worker goroutine, nor hold the State Store lock, while a
// query is in flight.
package credstore

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/presbrey/ircd/internal/config"
)

// Result is the outcome of a lookup (spec.md §6).
type Result int

const (
	Denied Result = iota
	Ok
)

// Account is the single table this server expects: account name to
// bcrypt password hash. The hash format itself is out of spec.md's scope;
// bcrypt is this implementation's choice.
type Account struct {
	Name         string `gorm:"primaryKey;column:name"`
	PasswordHash string `gorm:"column:password_hash"`
}

func (Account) TableName() string { return "accounts" }

var cache = newDBCache()

// Store looks up SASL PLAIN credentials against a configured database.
// A nil *Store (no database.url/driver configured) means SASL is
// disabled; callers check Enabled() before advertising the `sasl` cap.
type Store struct {
	db  *gorm.DB
	sem *semaphore.Weighted
}

// Open connects (or reuses a cached connection for the same DSN) per cfg.
// Returns (nil, nil) if no database was configured — SASL disabled.
func Open(cfg config.Database) (*Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	db, err := cache.getOrOpen(cfg.URL, func() (*gorm.DB, error) {
		dialector, err := dialectorFor(cfg.Driver, cfg.URL)
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("credstore: open %s: %w", cfg.Driver, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("credstore: underlying sql.DB: %w", err)
		}
		if cfg.MaxPoolSize > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxPoolSize)
		}
		sqlDB.SetMaxIdleConns(cfg.MinPoolSize)
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	poolSize := cfg.MaxPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Store{db: db, sem: semaphore.NewWeighted(int64(poolSize))}, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("credstore: unsupported driver %q", driver)
	}
}

// Enabled reports whether this Store is usable (non-nil receiver check
// that also tolerates a nil *Store, the "SASL disabled" case).
func (s *Store) Enabled() bool { return s != nil }

// Lookup verifies account/password outside the State Store's lock. The
// caller is responsible for transitioning the client into SaslInProgress
// and back out before and after calling this (spec.md §5).
func (s *Store) Lookup(ctx context.Context, account, password string) (Result, error) {
	if s == nil {
		return Denied, fmt.Errorf("credstore: SASL not configured")
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Denied, fmt.Errorf("credstore: pool exhausted: %w", err)
	}
	defer s.sem.Release(1)

	var row Account
	err := s.db.WithContext(ctx).Where("name = ?", account).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return Denied, nil
		}
		return Denied, fmt.Errorf("credstore: query: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return Denied, nil
	}
	return Ok, nil
}
