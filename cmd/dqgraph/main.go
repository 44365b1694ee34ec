// Package main provides the dqgraph CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/dqgraph/pkg/config"
	"github.com/orneryd/dqgraph/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// gcInterval is how often serve runs Badger value log GC.
const gcInterval = 10 * time.Minute

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dqgraph",
		Short: "dqgraph - data-quality flags over a graph store",
		Long: `dqgraph keeps a taxonomy of data-quality flag classes in an embedded
graph store and raises, attaches, counts and deletes flags on entities.

Features:
  • Hierarchical flag classes rooted at "all"
  • Direct / indirect flag statistics per class
  • Batched flag deletion on a bounded worker pool
  • HTTP API with Prometheus metrics`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (env vars override it)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().Bool("in-memory", false, "Use a throwaway in-memory store")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dqgraph v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dqgraph HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("http-port", 0, "HTTP API port (overrides config)")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash to use as auth.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE:  runHashPassword,
	})

	rootCmd.AddCommand(newNodeCmd(), newFlagCmd(), newClassCmd(), newStatsCmd())
	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if port, _ := cmd.Flags().GetInt("http-port"); port != 0 {
		a.cfg.Server.Port = port
	}

	fmt.Printf("🚀 Starting dqgraph v%s\n", version)
	fmt.Printf("   %s\n", a.cfg)
	fmt.Println()

	serverConfig := server.DefaultConfig()
	serverConfig.Address = a.cfg.Server.Address
	serverConfig.Port = a.cfg.Server.Port
	serverConfig.ReadTimeout = a.cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = a.cfg.Server.WriteTimeout
	serverConfig.Username = a.cfg.Auth.Username
	serverConfig.PasswordHash = a.cfg.Auth.PasswordHash

	httpServer, err := server.New(a.svc, serverConfig)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	httpServer.SetCounter(a.engine)
	httpServer.SetPool(a.pool)

	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println("✅ dqgraph is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • HTTP API:     http://%s\n", httpServer.Addr())
	fmt.Printf("  • Health:       http://%s/health\n", httpServer.Addr())
	fmt.Printf("  • Metrics:      http://%s/metrics\n", httpServer.Addr())
	fmt.Printf("  • Statistics:   GET http://%s/dq/statistics\n", httpServer.Addr())
	fmt.Println()
	if a.cfg.Auth.Enabled() {
		fmt.Printf("🔐 Basic auth enabled for %s\n", a.cfg.Auth.Username)
	} else {
		fmt.Println("⚠️  Authentication disabled")
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\n🛑 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stopping server: %w", err)
		}
		return nil
	})
	if !a.engine.IsInMemory() {
		g.Go(func() error {
			ticker := time.NewTicker(gcInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := a.engine.RunGC(); err != nil {
						fmt.Printf("⚠️  Value log GC: %v\n", err)
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "dqgraph.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	content := append([]byte("# dqgraph configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("✅ Wrote %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start the server:  dqgraph serve --config", path)
	fmt.Println("  2. Raise a flag:      dqgraph flag create <entity-id> --class BadName --config", path)
	return nil
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}
