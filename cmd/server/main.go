// Package main is the entry point for the calendar sync server.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/calsync/backend/internal/config"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:           "calsync",
		Short:         "Two-way calendar synchronization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/data/calsync.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().String("addr", ":8099", "HTTP server address")
	root.PersistentFlags().String("db", "/data/calsync.db", "Path to the SQLite database")
	root.PersistentFlags().String("static", "./static", "Directory for static frontend files")
	_ = v.BindPFlag("server.addr", root.PersistentFlags().Lookup("addr"))
	_ = v.BindPFlag("database.path", root.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("server.static_dir", root.PersistentFlags().Lookup("static"))

	load := func() (*config.Config, error) {
		cfg, err := config.Load(v, configPath)
		if err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runMigrations(cfg)
		},
	}

	// Health check mode for Docker HEALTHCHECK
	healthCheck := &cobra.Command{
		Use:   "health-check",
		Short: "Check a running server and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := runHealthCheck(cfg.Server.Addr); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return nil
		},
	}

	root.AddCommand(serve, migrate, healthCheck)
	root.RunE = serve.RunE
	return root
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	log.Printf("Server at %s is healthy", addr)
	return nil
}
