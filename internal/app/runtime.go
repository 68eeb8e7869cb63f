// Package app wires a workspace into a ready engine for the CLI and the
// HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"recordflow/internal/authz"
	"recordflow/internal/config"
	"recordflow/internal/db"
	"recordflow/internal/digitization"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/logging"
	"recordflow/internal/migrate"
	"recordflow/internal/notify"
	"recordflow/internal/obs"
	"recordflow/internal/repo"
)

type Options struct {
	Workspace string
	// Driver and DSN override the storage section of the config file.
	Driver    string
	DSN       string
	LogLevel  string
	LogFormat string
	LogOutput io.Writer
}

// Runtime bundles the components of one open workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Pipeline  *digitization.Pipeline
	Bus       *notify.Bus
	Metrics   *obs.Metrics
	Logger    *slog.Logger
	Oracle    authz.Oracle
}

// Open loads recordflow.yml (defaults when absent), opens and migrates the
// database and builds the engine with its digitization hook installed.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	level, format := opts.LogLevel, opts.LogFormat
	if level == "" {
		level = cfg.Logging.Level
	}
	if format == "" {
		format = cfg.Logging.Format
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := logging.NewWithWriter(out, level, format)

	dbCfg := db.Config{
		Workspace:    opts.Workspace,
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}
	if opts.Driver != "" {
		dbCfg.Driver = opts.Driver
	}
	if opts.DSN != "" {
		dbCfg.DSN = opts.DSN
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", dbCfg.Dialect(), err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s storage: %w", dbCfg.Dialect(), err)
	}
	if err := migrate.MigrateDialect(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, err
	}

	metrics := obs.NewMetrics()
	bus := notify.NewBus()
	e := engine.New(conn, dbCfg.Dialect(), cfg)
	e.Logger = logger
	e.Metrics = metrics
	e.Publisher = bus
	return &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Pipeline:  digitization.New(e),
		Bus:       bus,
		Metrics:   metrics,
		Logger:    logger,
		Oracle:    authz.Oracle{Config: cfg},
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Actor resolves id against the actor registry.
func (r *Runtime) Actor(ctx context.Context, id string) (domain.Actor, error) {
	if id == "" {
		return domain.Actor{}, errors.New("actor id required")
	}
	return r.Engine.Repo.ResolveActor(ctx, id)
}

// Dispatcher returns a webhook dispatcher for the configured hooks.
func (r *Runtime) Dispatcher() *notify.Dispatcher {
	return notify.NewDispatcher(r.Engine.Repo, r.Config, r.Logger, r.Metrics)
}

// InitWorkspace writes a default recordflow.yml when none exists, migrates
// the database and registers adminID with the admin role so the first
// operator can act.
func InitWorkspace(ctx context.Context, workspace, orgID, adminID string) (created bool, err error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	path := config.Path(workspace)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
			return false, err
		}
		created = true
	} else if statErr != nil {
		return false, statErr
	}
	rt, err := Open(ctx, Options{Workspace: workspace, LogOutput: io.Discard})
	if err != nil {
		return created, err
	}
	defer rt.Close()
	if adminID == "" {
		return created, nil
	}
	if _, err := rt.Engine.Repo.GetActor(ctx, nil, adminID); err == nil {
		return created, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return created, err
	}
	err = rt.Engine.Repo.UpsertActor(ctx, nil, domain.ActorRecord{
		ID:        adminID,
		Roles:     []string{authz.RoleAdmin},
		CreatedAt: repo.FormatTime(time.Now()),
	})
	return created, err
}
