package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/dispatch"
	"bountyline/internal/engine"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/notify"
	"bountyline/internal/rail"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/bountyline.yml.
	ConfigPath string
	Logging    logging.Options
	Logger     *zap.Logger
}

// App is one wired bountyline process: storage, pool engine, rails,
// dispatcher and webhook relay sharing a logger and metrics registry.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Engine     engine.Engine
	Rails      *rail.Registry
	Dispatcher *dispatch.Dispatcher
	Relay      *notify.Relay
}

// Open loads config, opens and migrates the workspace database and builds
// the components on top of it.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(opts.Logging)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", zap.Int("applied", applied), zap.String("path", db.Path(opts.Workspace)))
	}
	rails, err := rail.FromConfig(cfg.Rails, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := metrics.New()
	eng := engine.New(conn, cfg, logger)
	eng.Metrics = m
	return &App{
		DB:         conn,
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Engine:     eng,
		Rails:      rails,
		Dispatcher: dispatch.New(eng, rails, cfg.Dispatch, logger),
		Relay:      notify.New(eng.Repo, cfg.Webhooks, logger, m),
	}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(opts.Workspace)
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
