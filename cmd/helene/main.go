package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/helenejs/helene/internal/auth"
	"github.com/helenejs/helene/internal/cluster"
	"github.com/helenejs/helene/internal/logging"
	"github.com/helenejs/helene/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "helene",
	Short:   "Helene - real-time RPC and pub/sub server",
	Long:    `Helene is a real-time server combining request/response RPC with channel-scoped event broadcast over WebSocket, HTTP, and SSE`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Helene %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// Baseline logger for early startup; re-initialized once config loads.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "helene"})

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "helene",
	})

	log.Info().Str("version", Version).Msg("Starting Helene server")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := server.Options{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Origins:            cfg.AllowedOrigins,
		AllowedContextKeys: cfg.ContextKeys,
		KeepAliveInterval:  cfg.KeepAliveInterval,
		InstanceID:         cfg.InstanceID,
		ClusterTopic:       cfg.ClusterTopic,
	}

	if cfg.JWTSecret != "" {
		opts.Auth = auth.JWT([]byte(cfg.JWTSecret))
	}
	if cfg.RateLimitMax > 0 {
		opts.RateLimit = &server.RateLimitOptions{
			Max:      cfg.RateLimitMax,
			Interval: cfg.RateLimitInterval,
		}
	}

	bus, presence, err := buildCluster(ctx, cfg)
	if err != nil {
		return err
	}
	opts.Bus = bus
	opts.Presence = presence

	srv, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	for _, event := range cfg.Events {
		srv.AddEvent(event, server.EventOptions{})
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort)
	startMetricsServer(ctx, metricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// buildCluster wires the federation bus from configuration. Redis brings a
// presence store along; NATS federates events only.
func buildCluster(ctx context.Context, cfg Config) (cluster.Bus, cluster.Presence, error) {
	switch {
	case cfg.RedisURL != "":
		bus, err := cluster.NewRedisBus(ctx, cfg.RedisURL, log.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis bus: %w", err)
		}
		presence := cluster.NewRedisPresence(bus.Client(), "helene:")
		log.Info().Msg("Cluster federation over Redis enabled")
		return bus, presence, nil
	case cfg.NATSURL != "":
		bus, err := cluster.NewNATSBus(cfg.NATSURL, log.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats bus: %w", err)
		}
		log.Info().Msg("Cluster federation over NATS enabled")
		return bus, nil, nil
	default:
		return nil, nil, nil
	}
}
