package jamespy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	// sqlite allows a single writer, so the pool is pinned to one
	// connection and writes are serialized by store
	sqlitePoolSize        = 1
	sqliteConnMaxLifetime = 5 * time.Minute
	sqlitePragmas         = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime embeds creation/update timestamps (unix milliseconds)
// and soft deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// dbModels are migrated by OpenDB, and counted by the dbstats command
// when they implement tabler
func dbModels() []any {
	return []any{
		&RuntimeConfig{},
		&InteractionLog{},
		&StarboardEntry{},
		&StarboardOverride{},
		&Snippet{},
		&ArchivedMessage{},
		&MessageEdit{},
		&MessageDeletion{},
		&DMActivity{},
		&PurgeLog{},
	}
}

// DBI is the write side of the database. Reads go through the
// *gorm.DB directly, writes go through DBI so they can be serialized
// on databases that only support a single writer.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)

	// UpdatesWhere applies values to the rows of model matching query.
	// Used for compare-and-set updates, ex: only moving a starboard
	// entry out of review while it's still in review.
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		args ...any,
	) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// store implements DBI
type store struct {
	db *gorm.DB

	// concurrentWrites skips writeMu entirely (postgres)
	concurrentWrites bool
	writeMu          sync.Mutex
}

// NewDatabase wraps db as a DBI. Unless concurrentWrites is set,
// only one write runs at a time.
func NewDatabase(db *gorm.DB, concurrentWrites bool) DBI {
	return &store{db: db, concurrentWrites: concurrentWrites}
}

func (s *store) DB() *gorm.DB {
	return s.db
}

// acquire takes the write lock, and bounds ctx by dbOperationTimeout
// if it has no deadline of its own. release undoes both.
func (s *store) acquire(ctx context.Context) (context.Context, func()) {
	if !s.concurrentWrites {
		s.writeMu.Lock()
	}
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !s.concurrentWrites {
			s.writeMu.Unlock()
		}
	}
}

func (s *store) exec(ctx context.Context, op func(tx *gorm.DB) *gorm.DB) (int64, error) {
	ctx, release := s.acquire(ctx)
	defer release()
	result := op(s.db.WithContext(ctx))
	return result.RowsAffected, result.Error
}

func (s *store) Create(ctx context.Context, value any) (int64, error) {
	return s.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Create(value)
		},
	)
}

func (s *store) Update(ctx context.Context, model any, column string, value any) (int64, error) {
	return s.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Model(model).Update(column, value)
		},
	)
}

func (s *store) Updates(ctx context.Context, model any, values any) (int64, error) {
	return s.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Model(model).Updates(values)
		},
	)
}

func (s *store) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	args ...any,
) (int64, error) {
	return s.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Model(model).Where(query, args...).Updates(values)
		},
	)
}

func (s *store) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	return s.exec(
		ctx, func(tx *gorm.DB) *gorm.DB {
			return tx.Delete(value, conds...)
		},
	)
}

func (s *store) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	ctx, release := s.acquire(ctx)
	defer release()
	return s.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens and migrates the database, logging at WARN.
// Used by the CLI outside of a running bot.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	handler := newLogHandler(os.Stdout, slog.LevelWarn)
	slog.New(handler).InfoContext(
		ctx,
		"opening database",
		"database_type", databaseType,
		"database", dsn,
	)
	return OpenDB(ctx, databaseType, dsn, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
}

// OpenDB connects to a sqlite or postgres database, applies the sqlite
// connection limits and pragmas, and migrates dbModels.
func OpenDB(
	ctx context.Context,
	databaseType string,
	dsn string,
	logger gormlogger.Interface,
) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		dialector = sqlite.Open(dsn)
	case dbTypePostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}

	db, err := gorm.Open(
		dialector, &gorm.Config{
			Logger:  logger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		},
	)
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		if err = tuneSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	if err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(dbModels()...)
		},
	); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func tuneSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqlitePoolSize)
	sqlDB.SetMaxIdleConns(sqlitePoolSize)
	sqlDB.SetConnMaxLifetime(sqliteConnMaxLifetime)

	var errs []error
	for _, pragma := range sqlitePragmas {
		if e := db.WithContext(ctx).Exec(pragma).Error; e != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pragma, e))
		}
	}
	return errors.Join(errs...)
}
