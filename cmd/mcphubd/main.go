// Command mcphubd runs the MCP Hub: loads the server configuration,
// connects every enabled server, watches the config file for changes,
// and serves the thin HTTP surface (spec.md §6). Grounded on the
// teacher's cmd/mcp-hub/main.go signal-handling and graceful-shutdown
// shape, rehomed onto spf13/cobra subcommands (the pattern
// standardbeagle-brummer's cmd/brummer/main.go uses) instead of a bare
// flag.String config-path flag.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcp-hub/hub/internal/api"
	"github.com/mcp-hub/hub/internal/clients"
	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/hub"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath       string
	listenAddr       string
	autoShutdown     bool
	shutdownDelaySec int
	logLevel         string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcphubd",
		Short: "MCP Hub: aggregates MCP servers behind one connection",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "~/.config/mcp-hub/mcp-servers.json", "path to the mcpServers configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")

	root.AddCommand(serveCmd())
	root.AddCommand(validateConfigCmd())
	return root
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the hub: connect configured servers and serve the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":7780", "address the HTTP surface listens on")
	cmd.Flags().BoolVar(&autoShutdown, "auto-shutdown", false, "exit once the last event subscriber disconnects")
	cmd.Flags().IntVar(&shutdownDelaySec, "shutdown-delay", 30, "grace period in seconds before auto-shutdown fires")
	return cmd
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "load and validate the configuration file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Info().Int("servers", len(cfg.MCPServers)).Msg("configuration is valid")
			return nil
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := config.NewStore(config.FromFile(configPath), logger)
	bus := eventbus.New(logger)

	h := hub.New(store, bus, logger, hub.Options{WatchEnabled: true})
	if err := h.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}

	tracker := clients.New(time.Duration(shutdownDelaySec)*time.Second, autoShutdown)
	if autoShutdown {
		go func() {
			select {
			case <-tracker.Done():
				logger.Info().Msg("last subscriber disconnected, shutting down")
				bus.PublishHubState("stopping")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	srv := api.New(h, bus, logger)
	httpServer := &http.Server{Addr: listenAddr, Handler: clientTrackingMiddleware(srv.Handler(), tracker)}

	go func() {
		logger.Info().Str("addr", listenAddr).Msg("mcphubd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	h.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
	return nil
}

// clientTrackingMiddleware registers/unregisters the /events long-lived
// connection with the client accounting tracker (spec §4.8), keyed by
// remote address plus request pointer to tolerate multiple concurrent
// subscribers from the same host.
func clientTrackingMiddleware(next http.Handler, tracker *clients.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			id := fmt.Sprintf("%s-%p", r.RemoteAddr, r)
			tracker.Add(id)
			defer tracker.Remove(id)
		}
		next.ServeHTTP(w, r)
	})
}
