// Package checkpoint stores the last delivered change-feed sequence per feed
// so that a restarted follower resumes where it left off.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jrepp/corduroy/pkg/couch"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds configuration for the checkpoint database.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path for sqlite, connection string for postgres

	MaxIdleConns    int           // default: 2
	MaxOpenConns    int           // default: 5
	ConnMaxLifetime time.Duration // default: 5 minutes
}

// Checkpoint is one stored position.
type Checkpoint struct {
	Name      string `gorm:"primaryKey;size:255"`
	Seq       string `gorm:"not null"`
	SeqNumber int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// TableName overrides the gorm default.
func (Checkpoint) TableName() string {
	return "feed_checkpoints"
}

// Store reads and writes checkpoints.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// Open connects to the configured database and migrates the checkpoint
// table.
func Open(cfg Config, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(log.Named("gorm")).LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 2
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	s, err := New(db, log)
	if err != nil {
		return nil, err
	}
	log.Info("opened checkpoint store", "driver", dialector.Name())
	return s, nil
}

// New wraps an existing connection and migrates the checkpoint table.
func New(db *gorm.DB, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &Store{db: db, logger: log.Named("checkpoint")}, nil
}

// Load returns the stored sequence for name, or "" if there is none.
func (s *Store) Load(ctx context.Context, name string) (couch.Seq, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint %q: %w", name, err)
	}
	return couch.Seq(cp.Seq), nil
}

// Save stores seq for name. A sequence older than the stored one is ignored.
func (s *Store) Save(ctx context.Context, name string, seq couch.Seq) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Checkpoint
		err := tx.Where("name = ?", name).First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("failed to read checkpoint %q: %w", name, err)
		case seq.Less(couch.Seq(current.Seq)):
			s.logger.Debug("ignoring older checkpoint",
				"name", name,
				"stored", current.Seq,
				"seq", seq,
			)
			return nil
		}

		cp := Checkpoint{
			Name:      name,
			Seq:       string(seq),
			SeqNumber: seq.Number(),
			UpdatedAt: time.Now().UTC(),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"seq", "seq_number", "updated_at"}),
		}).Create(&cp).Error
		if err != nil {
			return fmt.Errorf("failed to save checkpoint %q: %w", name, err)
		}
		return nil
	})
}

// Delete removes the checkpoint for name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Checkpoint{}).Error; err != nil {
		return fmt.Errorf("failed to delete checkpoint %q: %w", name, err)
	}
	return nil
}

// List returns every stored checkpoint ordered by name.
func (s *Store) List(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	if err := s.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return out, nil
}

// Track wraps fn so that the batch's sequence is saved under name after fn
// returns. Nothing is saved once ctx is done. Save failures are passed to
// onError, which may be nil.
func (s *Store) Track(ctx context.Context, name string, fn couch.ChangesFunc, onError func(error)) couch.ChangesFunc {
	return func(since couch.Seq, changes []couch.Change) {
		if fn != nil {
			fn(since, changes)
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.Save(ctx, name, since); err != nil {
			s.logger.Error("failed to save checkpoint", "name", name, "seq", since, "error", err)
			if onError != nil {
				onError(err)
			}
		}
	}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
