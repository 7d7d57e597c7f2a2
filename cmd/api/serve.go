package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/auth"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/config"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/conversation"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/db"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/messaging"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/middleware"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/profilesync"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/queue"
)

// serveCommand returns the serve sub-command.
func serveCommand() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API, the gRPC health service and the profile sync consumer",
		Flags: serveFlags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := setupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}

func serveFlags(cfg *config.Config) []cli.Flag {
	return append([]cli.Flag{
		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.StringFlag{
			Name:        "tls-cert",
			Category:    "Server:",
			Sources:     cli.EnvVars("TLS_CERT"),
			Destination: &cfg.TLSCert,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key",
			Category:    "Server:",
			Sources:     cli.EnvVars("TLS_KEY"),
			Destination: &cfg.TLSKey,
			Usage:       "TLS private key file",
		},
		&cli.BoolFlag{
			Name:        "require-tls",
			Category:    "Server:",
			Sources:     cli.EnvVars("REQUIRE_TLS"),
			Destination: &cfg.RequireTLS,
			Usage:       "Refuse to start without TLS_CERT and TLS_KEY",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("MANAGEMENT_PORT"),
			Destination: &cfg.ManagementPort,
			Value:       cfg.ManagementPort,
			Usage:       "gRPC health service port (0 disables it)",
		},
		&cli.IntFlag{
			Name:        "rate-limit-rpm",
			Category:    "Server:",
			Sources:     cli.EnvVars("RATE_LIMIT_RPM"),
			Destination: &cfg.RateLimitRPM,
			Value:       cfg.RateLimitRPM,
			Usage:       "Mutating requests per minute allowed per caller",
		},
		&cli.IntFlag{
			Name:        "rate-limit-burst",
			Category:    "Server:",
			Sources:     cli.EnvVars("RATE_LIMIT_BURST"),
			Destination: &cfg.RateLimitBurst,
			Value:       cfg.RateLimitBurst,
			Usage:       "Burst capacity of the per-caller rate limiter",
		},

		// ── Storage ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mongodb-uri",
			Category:    "Storage:",
			Sources:     cli.EnvVars("MONGODB_URI"),
			Destination: &cfg.MongoURI,
			Usage:       "MongoDB connection URI",
		},
		&cli.StringFlag{
			Name:        "mongodb-database",
			Category:    "Storage:",
			Sources:     cli.EnvVars("MONGODB_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "MongoDB database name",
		},
		&cli.DurationFlag{
			Name:        "write-timeout",
			Category:    "Storage:",
			Sources:     cli.EnvVars("WRITE_TIMEOUT"),
			Destination: &cfg.WriteTimeout,
			Value:       cfg.WriteTimeout,
			Usage:       "Upper bound for a single storage write",
		},

		// ── Identity & pagination ─────────────────────────────────
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Identity:",
			Sources:     cli.EnvVars("JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "HMAC secret for caller tokens",
		},
		&cli.StringFlag{
			Name:        "jwt-keys",
			Category:    "Identity:",
			Sources:     cli.EnvVars("JWT_KEYS"),
			Destination: &cfg.JWTKeys,
			Usage:       "Rotating HMAC keys as kid:secret,kid2:secret2",
		},
		&cli.StringFlag{
			Name:        "jwt-active-kid",
			Category:    "Identity:",
			Sources:     cli.EnvVars("JWT_ACTIVE_KID"),
			Destination: &cfg.JWTActiveKid,
			Usage:       "kid of JWT_KEYS used for signing",
		},
		&cli.StringFlag{
			Name:        "cursor-secret",
			Category:    "Identity:",
			Sources:     cli.EnvVars("CURSOR_SECRET"),
			Destination: &cfg.CursorSecret,
			Usage:       "HMAC secret for page tokens; defaults to the JWT secret",
		},
		&cli.DurationFlag{
			Name:        "cursor-ttl",
			Category:    "Identity:",
			Sources:     cli.EnvVars("CURSOR_TTL"),
			Destination: &cfg.CursorTTL,
			Value:       cfg.CursorTTL,
			Usage:       "Lifetime of page tokens (0 = no expiry)",
		},

		// ── Logging ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Logging:",
			Sources:     cli.EnvVars("LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:        "log-format",
			Category:    "Logging:",
			Sources:     cli.EnvVars("LOG_FORMAT"),
			Destination: &cfg.LogFormat,
			Value:       cfg.LogFormat,
			Usage:       "text or json",
		},
	}, syncFlags(cfg)...)
}

// syncFlags are shared by serve and publish-user-event.
func syncFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "sync-enabled",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_ENABLED"),
			Destination: &cfg.SyncEnabled,
			Value:       cfg.SyncEnabled,
			Usage:       "Run the profile sync consumer",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL of the sync queue",
		},
		&cli.StringFlag{
			Name:        "sync-stream",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_STREAM"),
			Destination: &cfg.SyncStream,
			Value:       cfg.SyncStream,
			Usage:       "Stream carrying user events",
		},
		&cli.StringFlag{
			Name:        "sync-group",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_GROUP"),
			Destination: &cfg.SyncGroup,
			Value:       cfg.SyncGroup,
			Usage:       "Consumer group name",
		},
		&cli.StringFlag{
			Name:        "sync-dead-letter",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_DEAD_LETTER"),
			Destination: &cfg.SyncDeadLetter,
			Value:       cfg.SyncDeadLetter,
			Usage:       "Stream receiving rejected events",
		},
		&cli.DurationFlag{
			Name:        "sync-block",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_BLOCK"),
			Destination: &cfg.SyncBlock,
			Value:       cfg.SyncBlock,
			Usage:       "How long one poll waits for new events",
		},
		&cli.DurationFlag{
			Name:        "sync-claim-idle",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_CLAIM_IDLE"),
			Destination: &cfg.SyncClaimIdle,
			Value:       cfg.SyncClaimIdle,
			Usage:       "Idle time after which another replica's unacknowledged event is taken over",
		},
		&cli.StringFlag{
			Name:        "sync-consumer",
			Category:    "Profile sync:",
			Sources:     cli.EnvVars("SYNC_CONSUMER"),
			Destination: &cfg.SyncConsumer,
			Usage:       "Consumer name in the group (default: random per process)",
		},
	}
}

func queueConfig(cfg config.Config) queue.Config {
	return queue.Config{
		URL:        cfg.RedisURL,
		Stream:     cfg.SyncStream,
		Group:      cfg.SyncGroup,
		DeadLetter: cfg.SyncDeadLetter,
		Block:      cfg.SyncBlock,
		ClaimIdle:  cfg.SyncClaimIdle,
		Consumer:   cfg.SyncConsumer,
	}
}

// newJWTManager builds the caller token verifier and returns its signing
// secret. With JWT_KEYS set, keys rotate by kid.
func newJWTManager(cfg config.Config) (*auth.JWTManager, string, error) {
	if cfg.JWTKeys == "" {
		return auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour), cfg.JWTSecret, nil
	}
	keys, err := config.ParseJWTKeys(cfg.JWTKeys)
	if err != nil {
		return nil, "", err
	}
	active, ok := keys[cfg.JWTActiveKid]
	if !ok {
		return nil, "", fmt.Errorf("JWT_ACTIVE_KID %q is not in JWT_KEYS", cfg.JWTActiveKid)
	}
	return auth.NewJWTManagerFromKeys(keys, cfg.JWTActiveKid, 24*time.Hour), active, nil
}

func run(ctx context.Context, cfg config.Config) error {
	if log.GetLevel() > log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	dbClient, err := db.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		_ = dbClient.Close(context.Background())
	}()

	// Ensure indexes exist
	if err := dbClient.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	usersStore := data.NewUsersStore(dbClient.UserInfo())
	msgsStore := data.NewMessagesStore(dbClient.DirectMessages(), dbClient.GroupMessages())

	jwtMgr, identitySecret, err := newJWTManager(cfg)
	if err != nil {
		return err
	}
	pageSecret := cfg.PageTokenSecret()
	if pageSecret == "" {
		pageSecret = identitySecret
	}

	engine := conversation.NewEngine(msgsStore, conversation.NewPageTokens(pageSecret, cfg.CursorTTL))
	service := messaging.NewService(msgsStore, usersStore, cfg.WriteTimeout)

	limiter := middleware.NewLimiterStore(cfg.RateLimitRPM, cfg.RateLimitBurst, time.Minute)
	defer limiter.Stop()

	srv := newServer(engine, service, usersStore, jwtMgr, limiter)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	hs := newHealthServer(cfg.SyncEnabled)

	var (
		grpcServer *grpc.Server
		mgmtLis    net.Listener
	)
	if cfg.ManagementPort > 0 {
		mgmtLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.ManagementPort))
		if err != nil {
			return fmt.Errorf("listen on management port: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", "addr", httpServer.Addr, "tls", cfg.TLSCert != "")
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		watchStorage(gctx, hs, dbClient, 10*time.Second)
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			log.Info("gRPC health service listening", "addr", mgmtLis.Addr().String())
			return grpcServer.Serve(mgmtLis)
		})
	}

	if cfg.SyncEnabled {
		qcfg := queueConfig(cfg)
		// Same name on every redial, so our own pending entries are read first.
		if qcfg.Consumer == "" {
			qcfg.Consumer = queue.NewConsumerName()
		}
		consumer := profilesync.NewConsumer(
			func(ctx context.Context) (profilesync.Source, error) {
				stream, err := queue.Dial(ctx, qcfg)
				if err != nil {
					return nil, err
				}
				return stream, nil
			},
			usersStore,
			service,
			profilesync.Options{
				WriteTimeout:  cfg.WriteTimeout,
				OnStateChange: reportConsumerState(hs),
			},
		)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hs.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP shutdown", "err", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	return g.Wait()
}
