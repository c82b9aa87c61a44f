package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"collab-realtime/internal/api"
	"collab-realtime/internal/auth"
	"collab-realtime/internal/config"
	"collab-realtime/internal/models"
	"collab-realtime/internal/natsbus"
	"collab-realtime/internal/presence"
	"collab-realtime/internal/publisher"
	"collab-realtime/internal/redis"
	"collab-realtime/internal/ws"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "collab-realtime",
	Short: "Realtime presence and notification gateway",
	Long: `collab-realtime fans project, card and comment events out to connected
WebSocket clients and tracks who is currently editing each resource.

Configuration comes from built-in defaults, an optional YAML file and
COLLAB_* environment variables, in increasing order of precedence.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
}

// transport is the pub/sub side shared by every gateway node.
type transport interface {
	publisher.Transport
	api.Pinger
	Listen(ctx context.Context, sink chan<- *models.BroadcastMessage) error
	Close() error
}

func openTransport(ctx context.Context, cfg config.TransportConfig) (transport, error) {
	switch cfg.Driver {
	case config.DriverNATS:
		return natsbus.Connect(cfg.NATSURL)
	default:
		return redis.NewClient(ctx, cfg.RedisURL)
	}
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (*auth.Verifier, error) {
	if cfg.IssuerURL != "" {
		return auth.NewJWKSVerifier(ctx, cfg.IssuerURL)
	}
	return auth.NewHMACVerifier(cfg.JWTSecret, cfg.Issuer), nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	slog.SetDefault(cfg.Log.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		return err
	}

	bus, err := openTransport(ctx, cfg.Transport)
	if err != nil {
		slog.Error("Failed to connect to pub/sub transport", "driver", cfg.Transport.Driver, "error", err)
		return err
	}
	defer bus.Close()

	tracker := presence.NewTracker(cfg.Presence.TTL, nil)
	hub := ws.NewHub(tracker, ws.Options{
		SendBuffer:   cfg.WS.SendBuffer,
		CommandRate:  rate.Limit(cfg.WS.CommandRate),
		CommandBurst: cfg.WS.CommandBurst,
	})
	tracker.SetNotifier(hub)

	go hub.Run(ctx)
	go tracker.Run(ctx, cfg.Presence.SweepInterval)
	go func() {
		if err := bus.Listen(ctx, hub.Broadcast); err != nil {
			slog.Error("Pub/sub listener exited", "error", err)
		}
	}()

	srv := api.NewServer(api.Deps{
		Hub:               hub,
		Presence:          tracker,
		Publisher:         publisher.New(bus),
		Verifier:          verifier,
		Transport:         bus,
		Upgrader:          ws.NewUpgrader(cfg.WS.AllowedOrigins),
		PublishToken:      cfg.Server.PublishToken,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("WebSocket server starting",
			"addr", cfg.Server.Addr,
			"transport", cfg.Transport.Driver,
			"heartbeat", cfg.Presence.HeartbeatInterval,
			"ttl", cfg.Presence.TTL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
	return nil
}
