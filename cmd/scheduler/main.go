package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/config"
	"github.com/SirClappington/taskclaim/internal/engine"
	"github.com/SirClappington/taskclaim/internal/logging"
	"github.com/SirClappington/taskclaim/internal/queue"
	"github.com/SirClappington/taskclaim/internal/storage"
)

// leaderKey is the Postgres advisory lock held by the active scheduler.
const leaderKey = 42

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

	if err := run(cfg, log.Named("scheduler")); err != nil {
		log.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "connect postgres")
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, ContextTimeoutEnabled: true})
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	store := storage.New(db)
	eng := engine.New(store, queue.New(rdb), log)
	t := &ticker{store: store, eng: eng, batch: cfg.Scheduler.Batch, log: log}
	defer t.release()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Scheduler.Interval), func() { t.tick(ctx) }); err != nil {
		return errors.Wrap(err, "schedule")
	}
	c.Start()
	log.Info("scheduler started", zap.Duration("interval", cfg.Scheduler.Interval))

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}

// ticker runs one maintenance pass per cron tick while it holds leadership.
type ticker struct {
	store  *storage.Store
	eng    *engine.Engine
	batch  int
	log    *zap.Logger
	leader *pgxpool.Conn
}

func (t *ticker) tick(ctx context.Context) {
	if !t.lead(ctx) {
		return
	}

	moved, err := t.eng.PromoteDue(ctx, int64(t.batch))
	if err != nil {
		t.log.Error("promote due tasks", zap.Error(err))
	}
	requeued, err := t.eng.RequeueExpired(ctx, t.batch)
	if err != nil {
		t.log.Error("requeue expired locks", zap.Error(err))
	}
	if moved > 0 || requeued > 0 {
		t.log.Info("tick", zap.Int("promoted", moved), zap.Int("requeued", requeued))
	}
}

// lead reports whether this process is the leader, taking leadership when
// it is free and giving it up when the leader connection broke.
func (t *ticker) lead(ctx context.Context) bool {
	if t.leader != nil {
		if err := t.leader.Ping(ctx); err == nil {
			return true
		}
		t.log.Warn("lost leader connection")
		t.release()
	}

	conn, err := t.store.TryLeadership(ctx, leaderKey)
	if err != nil {
		t.log.Error("leader election", zap.Error(err))
		return false
	}
	if conn == nil {
		return false
	}
	t.log.Info("acquired leadership")
	t.leader = conn
	return true
}

// release closes the leader connection, which drops the advisory lock with
// the session.
func (t *ticker) release() {
	if t.leader != nil {
		_ = t.leader.Conn().Close(context.Background())
		t.leader.Release()
		t.leader = nil
	}
}
