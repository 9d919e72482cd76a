package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"careledger/internal/audit"
	audithandler "careledger/internal/audit/handler"
	"careledger/internal/audit/publisher"
	"careledger/internal/audit/statscache"
	pgstore "careledger/internal/audit/store/postgres"
	"careledger/internal/jwtauth"
	"careledger/internal/platform/config"
	"careledger/internal/platform/httpserver"
	"careledger/internal/platform/logger"
	"careledger/internal/platform/metrics"
	"careledger/internal/platform/middleware"
)

// main wires the audit subsystem: store, write buffer, interceptor, and the
// query API. Business modules mount behind the interceptor so every request
// leaves exactly one audit record.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pgstore.EnsureSchema(ctx, db); err != nil {
		log.Error("failed to apply audit schema", "error", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	store := pgstore.New(db)

	var bufferOpts []audit.BufferOption
	var kafkaSink *publisher.Kafka
	if len(cfg.KafkaSeeds) > 0 {
		kafkaSink, err = publisher.NewKafka(cfg.KafkaSeeds, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		bufferOpts = append(bufferOpts, audit.WithSink(kafkaSink))
	}

	buffer := audit.NewBuffer(store, log, m, audit.BufferConfig{
		Capacity:      cfg.BufferCapacity,
		FlushInterval: cfg.FlushInterval,
		MaxPending:    cfg.MaxPending,
	}, bufferOpts...)

	var svcOpts []audit.ServiceOption
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		svcOpts = append(svcOpts, audit.WithStatsCache(
			statscache.New(redisClient, statscache.DefaultTTL, log),
		))
	}

	svc := audit.NewService(store, buffer, log, m, svcOpts...)

	jwtService := jwtauth.NewService(cfg.JWTSigningKey, "careledger")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		api.Use(middleware.RequireAuth(jwtService, log))
		api.Use(audit.Interceptor(svc))
		audithandler.New(svc, log).Register(api)
	})

	srv := httpserver.New(cfg.Addr, r)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting careledger server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := buffer.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		// Final synchronous flush so nothing buffered is lost on exit.
		buffer.Shutdown(shutdownCtx)
		if kafkaSink != nil {
			kafkaSink.Close(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
