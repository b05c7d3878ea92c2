package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/ctxstore"
	"agentrelay/internal/db"
	"agentrelay/internal/engine"
	"agentrelay/internal/engine/autonomy"
	"agentrelay/internal/metrics"
	"agentrelay/internal/repo"
)

// App holds the wired services of one relay process.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Engine  *engine.Engine
	Dial    *autonomy.Dial
	Checker *autonomy.Checker
	Context *ctxstore.Store

	closers []func() error
}

// Build opens the configured stores and wires the services over them.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	var (
		handoffs    repo.HandoffStore
		attachments repo.AttachmentStore
		dials       repo.DialStore
		mem         *repo.Memory
		conn        *sql.DB
	)
	openSQLite := func() (*repo.SQLite, error) {
		if conn == nil {
			c, err := db.Open(ctx, db.Config{Workspace: cfg.Storage.SQLite.Workspace, Path: cfg.Storage.SQLite.Path})
			if err != nil {
				return nil, fmt.Errorf("open sqlite: %w", err)
			}
			conn = c
			a.closers = append(a.closers, conn.Close)
			logger.Info("sqlite store opened", zap.String("path", db.Path(db.Config{Workspace: cfg.Storage.SQLite.Workspace, Path: cfg.Storage.SQLite.Path})))
		}
		return &repo.SQLite{DB: conn}, nil
	}
	memory := func() *repo.Memory {
		if mem == nil {
			mem = repo.NewMemory()
		}
		return mem
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := openSQLite()
		if err != nil {
			a.Close()
			return nil, err
		}
		handoffs, attachments = s, s
	default:
		m := memory()
		handoffs, attachments = m, m
	}

	switch cfg.DialsDriver() {
	case "sqlite":
		s, err := openSQLite()
		if err != nil {
			a.Close()
			return nil, err
		}
		dials = s
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		dials = repo.NewRedisDials(client, cfg.Storage.Redis.Prefix)
		logger.Info("redis dial store connected", zap.String("addr", cfg.Storage.Redis.Addr))
	default:
		dials = memory()
	}

	a.Engine = engine.New(handoffs, logger, a.Metrics)
	a.Dial = autonomy.NewDial(dials, cfg.Environments, logger, a.Metrics)
	a.Checker = autonomy.NewChecker(a.Dial, logger)
	cs, err := ctxstore.New(attachments, handoffs, cfg.Context.Schemas, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Context = cs
	return a, nil
}

// Sweeper returns the retention sweeper configured for this app.
func (a *App) Sweeper() engine.Sweeper {
	return engine.Sweeper{
		Engine:    a.Engine,
		Interval:  a.Config.SweepInterval(),
		Retention: a.Config.Retention(),
		Logger:    a.Logger.With(zap.String("component", "sweeper")),
	}
}

// Close releases store connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
