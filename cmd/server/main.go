// Command server runs the proctoring backend: HTTP ingest and dashboard
// APIs, the rules engine with its stream consumer, and the session sweeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proctorhub/backend/internal/admission"
	"github.com/proctorhub/backend/internal/api"
	"github.com/proctorhub/backend/internal/auth"
	"github.com/proctorhub/backend/internal/blob"
	"github.com/proctorhub/backend/internal/config"
	"github.com/proctorhub/backend/internal/dashboard"
	"github.com/proctorhub/backend/internal/ephemeral"
	"github.com/proctorhub/backend/internal/rules"
	"github.com/proctorhub/backend/internal/session"
	"github.com/proctorhub/backend/internal/store"
	"github.com/proctorhub/backend/internal/stream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("configuration loaded", "profile", cfg.Server.Profile, "stream_backend", cfg.Stream.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eph, err := ephemeral.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
	if err != nil {
		return err
	}
	defer eph.Close()

	db, err := store.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	sessions := session.NewService(db)
	live := dashboard.NewLiveHub()

	engine := rules.NewEngine(eph, db, rules.Config{
		AlertCooldown:    cfg.Rules.AlertCooldown,
		DecayFactor:      cfg.Rules.DecayFactor,
		SnapshotInterval: cfg.Rules.SnapshotInterval,
		SeenTTL:          cfg.Admission.ReplayTTL,
	})
	engine.SetAlertSink(live)

	pipeline := admission.NewPipeline(sessions, db, eph, blobs, engine, admission.Config{
		MaxBatchBytes:      cfg.Admission.MaxBatchBytes,
		MaxEventsPerMinute: cfg.Admission.MaxEventsPerMinute,
		ReplayTTL:          cfg.Admission.ReplayTTL,
		TimeSkew:           cfg.Admission.TimeSkew,
	})

	consumerDone, err := startStream(ctx, cfg, eph, pipeline, engine)
	if err != nil {
		return err
	}

	sweeper := session.NewSweeper(db, cfg.Session.StaleThreshold, cfg.Session.SweepInterval)
	go sweeper.Run(ctx)

	opts := api.Options{
		IngestTimeout: cfg.Server.IngestTimeout,
		ReadTimeout:   cfg.Server.ReadTimeout,
		Health:        map[string]api.Pinger{"redis": eph, "postgres": db},
	}
	if cfg.DevIssuerEnabled() {
		issuer, err := auth.NewDevIssuer(cfg.Auth.DevPrivateKeyFile, cfg.Auth.DevTokenTTL)
		if err != nil {
			return err
		}
		opts.DevIssuer = issuer
		slog.Warn("dev token issuer mounted", "profile", cfg.Server.Profile)
	}

	server := api.NewServer(sessions, pipeline, dashboard.NewService(db, blobs), live, verifier, opts)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(cfg.Server.Port) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	if consumerDone != nil {
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			slog.Warn("stream consumer did not stop in time")
		}
	}
	return nil
}

func buildVerifier(cfg *config.Config) (*auth.Verifier, error) {
	if cfg.Auth.KeySetFile != "" {
		keys, err := auth.LoadKeySet(cfg.Auth.KeySetFile)
		if err != nil {
			return nil, err
		}
		return auth.NewVerifier(keys), nil
	}
	if cfg.Auth.PublicKeyFile != "" {
		key, err := auth.LoadStaticKey(cfg.Auth.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		return auth.NewVerifier(key), nil
	}
	return nil, fmt.Errorf("no credential key source configured")
}

// startStream wires the configured stream backend: publisher onto the
// admission pipeline and a consumer goroutine feeding the rules engine.
// Backend "none" leaves only the inline rules hook.
func startStream(ctx context.Context, cfg *config.Config, eph *ephemeral.RedisStore, pipeline *admission.Pipeline, engine *rules.Engine) (<-chan struct{}, error) {
	var (
		consumer stream.Consumer
		err      error
	)
	switch cfg.Stream.Backend {
	case "none":
		return nil, nil
	case "redis":
		pipeline.SetPublisher(stream.NewRedisPublisher(eph.Client(), cfg.Stream.Partitions))
		hostname, _ := os.Hostname()
		consumer = stream.NewRedisConsumer(eph.Client(), cfg.Stream.ConsumerGroup, hostname, cfg.Stream.Partitions)
	case "pubsub":
		var pub *stream.PubSubPublisher
		pub, err = stream.NewPubSubPublisher(ctx, cfg.Stream.ProjectID, cfg.Stream.TopicID)
		if err != nil {
			return nil, err
		}
		pipeline.SetPublisher(pub)
		consumer, err = stream.NewPubSubConsumer(ctx, cfg.Stream.ProjectID, cfg.Stream.TopicID, cfg.Stream.Subscription)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown stream backend %q", cfg.Stream.Backend)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := stream.Consume(ctx, consumer, engine); err != nil && ctx.Err() == nil {
			slog.Error("stream consumer failed", "error", err)
		}
	}()
	return done, nil
}
