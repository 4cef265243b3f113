// Command statuswired runs the statuswire server: it ingests execution
// status callbacks from workflow engines and fans them out to streaming
// clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/statuswire/statuswire/config"
	"github.com/statuswire/statuswire/db"
	"github.com/statuswire/statuswire/logger"
	"github.com/statuswire/statuswire/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// shutdownTimeout bounds how long open streaming connections get to drain.
const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "statuswired",
	Short: "Execution status notification server",
	Long: `statuswired ingests status callbacks from external workflow engines,
persists them as idempotent execution state transitions, and streams the
resulting updates to connected clients over SSE and WebSocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("statuswired", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./statuswire.toml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Server.JSONLogs); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Logger

	log.Infow("Starting statuswired",
		"version", Version,
		"port", cfg.Server.Port,
		"database", cfg.Database.Path,
	)

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return err
	}

	srv := server.New(cfg, database, log)

	// Hot-reload is best effort: only watchable settings apply to a running
	// server, and a missing config file just means nothing to watch.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, log)
		if err != nil {
			log.Warnw("Config watcher unavailable", "path", configPath, "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				log.Infow("Config change observed; restart to apply server settings",
					"path", configPath,
				)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Infow("Received shutdown signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}
