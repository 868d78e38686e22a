package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lockable-resources/allocator"
	"lockable-resources/config"
	"lockable-resources/health"
	"lockable-resources/metrics"
	qpubsub "lockable-resources/queues/pubsub"
	"lockable-resources/store"
	fsstore "lockable-resources/store/fs"
	miniostore "lockable-resources/store/minio"
	"lockable-resources/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/viant/afs"
	"golang.org/x/sync/errgroup"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// newStore builds the snapshot store selected by LOCKABLE_STATE_BACKEND.
func newStore(cfg *config.Config, fs afs.Service) (store.Store, error) {
	switch cfg.StateBackend {
	case config.BackendFS:
		s, err := fsstore.New(fs, cfg.StateURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMinio:
		client, err := miniostore.NewClient(miniostore.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			return nil, err
		}
		return miniostore.NewStore(client, cfg.MinioBucket, cfg.MinioPrefix), nil
	case config.BackendNone:
		return store.Nop{}, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting lockable-resources version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or LOCKABLE_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Fatal().Msg("missing Pub/Sub subscription; set LOCKABLE_COMMAND_SUBSCRIPTION or LOCKABLE_PUBSUB_SUBSCRIPTION")
	}
	if cfg.ResultTopic == "" {
		log.Fatal().Msg("missing Pub/Sub topic; set LOCKABLE_RESULT_TOPIC or LOCKABLE_PUBSUB_TOPIC")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid state configuration")
	}

	if cfg.TraceOutput != "" {
		out := cfg.TraceOutput
		if out == "stdout" {
			out = ""
		}
		if err := tracing.Init("lockable-resources", version, out); err != nil {
			log.Warn().Err(err).Msg("tracing disabled")
		}
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afs.New()
	st, err := newStore(cfg, fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create state store")
	}
	engine := allocator.NewEngine(allocator.WithStore(st))

	// Metrics and health HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, engine.Ready)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	defs, err := store.LoadDefinitions(ctx, fs, cfg.ResourcesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load resource definitions")
	}
	if err := engine.Load(ctx, defs); err != nil {
		log.Fatal().Err(err).Msg("failed to restore lock state")
	}

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.ResultTopic, cfg.EventTopic, cfg.CredentialsFile)
	defer publisher.Close()
	controller := allocator.NewController(engine, publisher, allocator.NewStaticAuthorizer(cfg.Admins), allocator.DisplayNameResolver{}).
		WithBaseContext(ctx)
	if cfg.EventTopic != "" {
		engine.Subscribe(controller.Notify)
	}
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
		if err := subscriber.Start(gctx, controller.Handle); err != nil {
			return fmt.Errorf("subscriber: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Block until shutdown
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server graceful shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
	}
	stop()
	controller.Wait()
	log.Info().Msg("shutdown complete")
}
