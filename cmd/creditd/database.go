package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/config"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	databasePostgres  = "postgres"
	databaseSQLite    = "sqlite"
	defaultSQLiteFile = "mailcredits.db"
)

// openedStore is a ledger store plus the handles needed to migrate and close it.
type openedStore struct {
	store   ledger.Store
	gormDB  *gorm.DB
	pool    *pgxpool.Pool
	driver  string
	cleanup func() error
}

func (opened openedStore) migrate(ctx context.Context) error {
	if opened.pool != nil {
		return pgstore.Migrate(ctx, opened.pool)
	}
	if err := gormstore.AutoMigrate(opened.gormDB.WithContext(ctx)); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (openedStore, error) {
	if cfg.StoreDriver == config.StoreDriverPgx {
		return openPgxStore(ctx, cfg.DatabaseURL)
	}
	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return openedStore{}, fmt.Errorf("database open: %w", err)
	}
	return openedStore{
		store:   gormstore.New(gormDB),
		gormDB:  gormDB,
		driver:  driver,
		cleanup: cleanup,
	}, nil
}

func openPgxStore(ctx context.Context, dsn string) (openedStore, error) {
	driver, _, err := resolveDriver(dsn)
	if err != nil {
		return openedStore{}, err
	}
	if driver != databasePostgres {
		return openedStore{}, fmt.Errorf("store driver %s needs a postgres:// database url", config.StoreDriverPgx)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return openedStore{}, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return openedStore{}, fmt.Errorf("pgx ping: %w", err)
	}
	return openedStore{
		store:  pgstore.New(pool),
		pool:   pool,
		driver: databasePostgres,
		cleanup: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case databasePostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case databaseSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == databaseSQLite {
		// One writer at a time keeps sqlite from returning SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return databasePostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return databaseSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
