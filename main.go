package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chatrelay/auth"
	"chatrelay/bus"
	"chatrelay/codec"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/health"
	"chatrelay/metrics"
	"chatrelay/presence"
	"chatrelay/ratelimit"
	"chatrelay/relay"
	"chatrelay/server"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Real-time chat relay with focus-gated delivery",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"),
		"Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildKeygenCmd(),
		buildStatsCmd(&configPath),
		buildShutdownCmd(&configPath),
	)
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the TCP, WebSocket and HTTP listeners",
		Long: `Start the relay.

Graceful shutdown is handled on SIGINT/SIGTERM and on the control socket's
shutdown command: every client is told why before its connection closes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func buildKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new hex encoded encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := codec.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func buildStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print statistics of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			reply, err := sendControlCommand(cfg.Server.ControlSocket, "stats")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func buildShutdownCmd(configPath *string) *cobra.Command {
	var (
		reason string
		until  string
	)
	cmd := &cobra.Command{
		Use:     "shutdown",
		Short:   "Ask a running server to disconnect everyone and exit",
		Example: `  chatrelay shutdown --reason maintenance --until 2026-06-01T03:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if until != "" {
				if _, err := time.Parse(time.RFC3339, until); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			reply, err := sendControlCommand(cfg.Server.ControlSocket, "shutdown|"+reason+"|"+until)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "maintenance", "Reason sent to every client")
	cmd.Flags().StringVar(&until, "until", "", "Expected end of the outage, RFC 3339")
	return cmd
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// messageStore opens the queue backend named by cfg.Driver. The sqlite
// driver shares the profile database.
func messageStore(ctx context.Context, cfg config.StoreConfig, users *db.DB) (relay.MessageStore, health.Pinger, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := db.NewPostgres(ctx, cfg.PostgresDSN, cfg.MaxConns)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	case "redis":
		r := db.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, nil, nil, fmt.Errorf("redis: %w", err)
		}
		return r, r, r.Close, nil
	default:
		return users, users, func() error { return nil }, nil
	}
}

// buildCodec refuses an empty key: a generated one would strand every
// queued message at the next restart.
func buildCodec(cfg config.CryptoConfig) (*codec.Codec, error) {
	return codec.New(cfg.EncryptionKey)
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	c, err := buildCodec(cfg.Crypto)
	if err != nil {
		return err
	}

	sqlitePath := cfg.Store.SQLitePath
	if sqlitePath == "" {
		sqlitePath = "chatrelay.db"
	}
	database, err := db.New(sqlitePath)
	if err != nil {
		return fmt.Errorf("open user database: %w", err)
	}
	defer database.Close()

	store, storePinger, closeStore, err := messageStore(ctx, cfg.Store, database)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithMetrics(m),
		relay.WithLastSeen(database),
		relay.WithPersistOnPushFailure(cfg.Delivery.PersistOnPushFailure),
	}

	// the checker needs an untyped nil when the mirror is off
	var natsState health.ConnState
	if cfg.NATS.URL != "" {
		nc, err := bus.NewClient(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		natsState = nc
		pub := bus.NewPresencePublisher(nc.Conn(), cfg.NATS.PresenceSubject, logger)
		opts = append(opts, relay.WithMirror(pub))

		sub, err := bus.SubscribePresence(nc.Conn(), cfg.NATS.PresenceSubject, logger,
			remotePresenceLogger(pub.Origin(), logger))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATS.PresenceSubject, err)
		}
		defer sub.Unsubscribe()
	}

	engine := relay.New(presence.NewSingleSession(), store, c, opts...)

	secret := cfg.Auth.TokenSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("no token secret configured, generated one; tokens will not survive a restart")
	}
	authSvc, err := auth.NewService(database, secret, cfg.Auth.TokenExpire)
	if err != nil {
		return err
	}

	checker := health.NewChecker(storePinger, database, natsState, func() int {
		return len(engine.Sessions())
	})

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(engine, database, authSvc, server.Config{
		TCPAddr:      cfg.Server.TCPAddr,
		HTTPAddr:     cfg.Server.HTTPAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		SendBuffer:   cfg.Server.SendBuffer,
	},
		server.WithLogger(logger),
		server.WithLimiter(ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)),
		server.WithHealth(checker),
		server.WithMetricsHandler(promhttp.Handler()),
	)

	if cfg.Server.ControlSocket != "" {
		ctl, err := startControlSocket(cfg.Server.ControlSocket, srv, logger)
		if err != nil {
			logger.Warn("control socket unavailable", "path", cfg.Server.ControlSocket, "error", err)
		} else {
			defer ctl.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			srv.Shutdown("maintenance", time.Time{})
		case <-ctx.Done():
			srv.Shutdown("maintenance", time.Time{})
		}
	}()

	logger.Info("starting chatrelay",
		"tcp_addr", cfg.Server.TCPAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"nats", cfg.NATS.URL != "",
	)
	if err := srv.ListenAndServe(); err != nil {
		return err
	}
	// a shutdown from the control socket or a signal may still be draining
	srv.Shutdown("maintenance", time.Time{})
	logger.Info("chatrelay stopped")
	return nil
}

// remotePresenceLogger logs presence changes published by other relay
// instances on the shared subject.
func remotePresenceLogger(origin string, logger *slog.Logger) func(bus.PresenceMessage) {
	return func(pm bus.PresenceMessage) {
		if pm.Origin == origin {
			return
		}
		logger.Info("remote presence", "user", pm.UserID, "online", pm.Online, "origin", pm.Origin, "at", pm.At)
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
