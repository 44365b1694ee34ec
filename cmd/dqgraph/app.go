package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/dqgraph/pkg/config"
	"github.com/orneryd/dqgraph/pkg/dq"
	"github.com/orneryd/dqgraph/pkg/pool"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// app bundles what every command needs: the loaded config, the open store,
// a started deletion pool and the service over both.
type app struct {
	cfg    *config.Config
	engine *storage.BadgerEngine
	pool   *pool.Pool
	svc    *dq.Service
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromEnvOrFile(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Database.DataDir = dir
	}
	if inMemory, _ := cmd.Flags().GetBool("in-memory"); inMemory {
		cfg.Database.InMemory = true
	}
	return cfg, nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	if !cfg.Database.InMemory {
		if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:    cfg.Database.DataDir,
		InMemory:   cfg.Database.InMemory,
		SyncWrites: cfg.Database.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	p := pool.New(&pool.Config{
		MaxWorkers:      cfg.Pool.MaxWorkers,
		CoreWorkers:     cfg.Pool.CoreWorkers,
		QueueSize:       cfg.Pool.QueueSize,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		ShutdownTimeout: cfg.Pool.ShutdownTimeout,
	})
	if err := p.Start(); err != nil {
		engine.Close()
		return nil, fmt.Errorf("starting pool: %w", err)
	}

	svc := dq.NewService(engine, p, &dq.Config{
		MaxDepth:           cfg.DQ.MaxClassDepth,
		LockClassLabels:    cfg.DQ.LockClassLabels,
		BatchTimeout:       cfg.DQ.BatchTimeout,
		BatchRateLimit:     cfg.DQ.BatchRateLimit,
		BatchSettleTimeout: cfg.Pool.ShutdownTimeout,
	})

	return &app{cfg: cfg, engine: engine, pool: p, svc: svc}, nil
}

// Close stops the pool, waiting up to its shutdown timeout, then closes the
// store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Pool.ShutdownTimeout)
	defer cancel()
	if err := a.pool.Stop(ctx); err != nil {
		log.Printf("[pool] stop: %v", err)
	}
	if err := a.engine.Close(); err != nil {
		log.Printf("[storage] close: %v", err)
	}
}

// withApp adapts a command body that needs an open app into a cobra RunE.
func withApp(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, args, a)
	}
}
