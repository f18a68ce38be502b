package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Relay drains the outbox in commit order. A publish failure stops the
// batch so later events are never delivered ahead of earlier ones.
type Relay struct {
	store     ledger.Store
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewRelay creates an outbox relay.
func NewRelay(store ledger.Store, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start begins the relay loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeRun(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("outbox relay failed", "error", err)
	}
}

// RunOnce publishes one batch and returns how many events were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(events))
	var pubErr error
	for _, e := range events {
		if err := r.publisher.Publish(ctx, e); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues("failed").Inc()
			pubErr = fmt.Errorf("publish %s (%s): %w", e.ID, e.Type, err)
			break
		}
		metrics.OutboxPublishedTotal.WithLabelValues("published").Inc()
		published = append(published, e.ID)
	}

	if len(published) > 0 {
		if err := r.store.MarkEventsPublished(ctx, published, time.Now()); err != nil {
			// Delivery is at-least-once; consumers dedupe on message id.
			return 0, fmt.Errorf("mark published: %w", err)
		}
	}
	return len(published), pubErr
}
