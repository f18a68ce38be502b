// Package expiry auto-releases holds whose hold period has elapsed.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Config tunes the sweep.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	ClaimTTL    time.Duration
	Concurrency int
	// RatePerSecond caps auto-release transactions across one sweep.
	RatePerSecond float64
	InstanceID    string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		BatchSize:     100,
		ClaimTTL:      2 * time.Minute,
		Concurrency:   4,
		RatePerSecond: 50,
		InstanceID:    "escrowd",
	}
}

// Result summarizes one sweep.
type Result struct {
	Claimed  int `json:"claimed"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Timer periodically releases expired holds.
type Timer struct {
	store   ledger.Store
	escrow  *escrow.Service
	backoff Tracker
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates an expiry timer. A nil tracker uses an in-memory one.
func NewTimer(store ledger.Store, esc *escrow.Service, backoff Tracker, cfg Config, logger *slog.Logger) *Timer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = def.InstanceID
	}
	if backoff == nil {
		backoff = NewMemoryTracker(DefaultBackoffBase, DefaultBackoffMax)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		store:   store,
		escrow:  esc,
		backoff: backoff,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency),
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry timer", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.RunOnce(ctx)
	if err != nil {
		t.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if res.Claimed > 0 {
		t.logger.Info("expiry sweep",
			"claimed", res.Claimed, "released", res.Released,
			"skipped", res.Skipped, "failed", res.Failed)
	}
}

// RunOnce claims one batch of expired holds and auto-releases each of them.
// A hold that fails is retried on a later sweep after its backoff window.
func (t *Timer) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.ExpirySweepDuration.Observe(time.Since(start).Seconds()) }()

	now := t.escrow.Now()
	ids, err := t.store.ClaimExpired(ctx, now, now.Add(t.cfg.ClaimTTL), t.cfg.InstanceID, t.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("claim expired holds: %w", err)
	}

	var released, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, id := range ids {
		blocked, err := t.backoff.Blocked(ctx, id, now)
		if err != nil {
			t.logger.Warn("backoff lookup failed", "hold", id, "error", err)
		}
		if blocked {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if err := t.limiter.Wait(gctx); err != nil {
				return err
			}
			switch ok, err := t.releaseOne(gctx, id, now); {
			case err != nil:
				failed.Add(1)
			case ok:
				released.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return Result{
		Claimed:  len(ids),
		Released: int(released.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}, nil
}

func (t *Timer) releaseOne(ctx context.Context, id string, now time.Time) (bool, error) {
	_, released, err := t.escrow.AutoRelease(ctx, id, ledger.Scheduler)
	if errors.Is(err, ledger.ErrExternalTransferFailed) {
		// Committed; reconciliation owns the payout retry.
		t.logger.Warn("auto-release payout deferred", "hold", id, "error", err)
		err = nil
	}
	if err != nil {
		metrics.ExpiryFailuresTotal.Inc()
		retryAt, berr := t.backoff.Fail(ctx, id, now)
		if berr != nil {
			t.logger.Warn("backoff record failed", "hold", id, "error", berr)
		}
		t.logger.Error("auto-release failed", "hold", id, "error", err, "retryAt", retryAt)
		return false, err
	}
	if cerr := t.backoff.Clear(ctx, id); cerr != nil {
		t.logger.Warn("backoff clear failed", "hold", id, "error", cerr)
	}
	return released, nil
}
