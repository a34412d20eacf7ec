package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/config"
	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/domain/labimport"
	"github.com/labflow/labflow/internal/platform/blobstore"
	"github.com/labflow/labflow/internal/platform/db"
	"github.com/labflow/labflow/internal/platform/logging"
	"github.com/labflow/labflow/internal/platform/middleware"
	"github.com/labflow/labflow/migrations"
)

const version = "0.1.0"

// app holds the services shared by the server, the worker and the CLI
// commands.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	pool        *pgxpool.Pool
	maxFileSize int64

	users   identity.UserRepository
	exams   *exam.Service
	imports *labimport.Service
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSize:    cfg.LogFileMaxSizeMB,
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAge:     cfg.LogFileMaxAgeDays,
	}), nil
}

// maxFileSize parses IMPORT_MAX_FILE_SIZE.
func maxFileSize(cfg *config.Config) (int64, error) {
	if cfg.ImportMaxFileSize == "" {
		return blobstore.DefaultMaxFileSize, nil
	}
	n, err := middleware.ParseSize(cfg.ImportMaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("IMPORT_MAX_FILE_SIZE: %w", err)
	}
	return n, nil
}

// migrationsFS prefers MIGRATIONS_DIR when it exists on disk and falls back
// to the SQL files compiled into the binary.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func (a *app) migrator() *db.Migrator {
	return db.NewMigrator(a.pool, migrationsFS(a.cfg.MigrationsDir))
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	limit, err := maxFileSize(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, pool: pool, maxFileSize: limit}
	a.wire()
	return a, nil
}

func (a *app) wire() {
	a.users = identity.NewUserRepoPG(a.pool)
	a.exams = exam.NewService(
		exam.NewExamTypeRepoPG(a.pool),
		exam.NewRequestRepoPG(a.pool),
		exam.NewResultRepoPG(a.pool),
	)

	users := labimport.NewUserDirectory(a.users)
	catalog := labimport.NewExamCatalog(a.exams)
	resolver := labimport.NewResolver(users, catalog)
	matcher := labimport.NewMatcher(users, catalog, catalog, db.NewTxRunner(a.pool), labimport.DefaultMatchTolerance)

	a.imports = labimport.NewService(
		labimport.NewUploadRepoPG(a.pool),
		blobstore.NewPGStore(a.pool, a.maxFileSize),
		resolver,
		matcher,
		a.logger,
		a.cfg.ImportProgressStep,
	)
}

func (a *app) Close() {
	a.pool.Close()
}
