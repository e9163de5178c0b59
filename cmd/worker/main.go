package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/config"
	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/engine"
	"github.com/SirClappington/taskclaim/internal/logging"
	"github.com/SirClappington/taskclaim/internal/metrics"
	"github.com/SirClappington/taskclaim/internal/queue"
	"github.com/SirClappington/taskclaim/internal/storage"
	"github.com/SirClappington/taskclaim/internal/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	if len(cfg.Worker.Topics) == 0 {
		return errors.New("WORKER_TOPICS is empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "connect postgres")
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, ContextTimeoutEnabled: true})
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheus(reg, "")
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}
	metricsSrv := serveMetrics(cfg.Worker.MetricsAddr, reg, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, metricsSrv.Shutdown(shutdownCtx))
	}()

	eng := engine.New(storage.New(db), queue.New(rdb), log)
	m := subscription.New(eng,
		subscription.WithLogger(log),
		subscription.WithMetrics(collector),
		subscription.WithShutdownGrace(cfg.Worker.ShutdownGrace),
	)

	opts := domain.TaskOptions{
		MaxTasks:               cfg.Worker.MaxTasks,
		LongPollingTimeout:     cfg.Worker.LongPollingTimeout,
		LockDuration:           cfg.Worker.LockDuration,
		AdditionalLockDuration: cfg.Worker.AdditionalLockDuration,
		ExtendLockTimeout:      cfg.Worker.ExtendLockTimeout,
	}
	for _, topic := range cfg.Worker.Topics {
		if err := m.Subscribe(topic, echo(log), opts); err != nil && !errors.Is(err, subscription.ErrTopicSubscribed) {
			return err
		}
	}

	return m.Start(ctx, true)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	rtr := chi.NewRouter()
	rtr.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
