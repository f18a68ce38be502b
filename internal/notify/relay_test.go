package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/ledger"
)

type recordingPublisher struct {
	types  []string
	failAt int // 1-based publish call that fails; 0 never
	calls  int
}

func (p *recordingPublisher) Publish(ctx context.Context, e *ledger.Event) error {
	p.calls++
	if p.failAt != 0 && p.calls == p.failAt {
		return errors.New("broker unavailable")
	}
	p.types = append(p.types, e.Type)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newEvent(t *testing.T, typ, aggregateID string, payload any, at time.Time) *ledger.Event {
	t.Helper()
	e, err := ledger.NewEvent(typ, aggregateID, payload, at)
	require.NoError(t, err)
	return e
}

func enqueue(t *testing.T, store ledger.Store, types ...string) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, typ := range types {
		e := newEvent(t, typ, fmt.Sprintf("agg_%d", i), map[string]int{"n": i}, at.Add(time.Duration(i)*time.Second))
		err := store.InTx(ctx, func(tx ledger.Tx) error {
			return tx.Enqueue(ctx, e)
		})
		require.NoError(t, err)
	}
}

func TestRelay_PublishesInOrder(t *testing.T) {
	store := ledger.NewMemoryStore()
	enqueue(t, store, ledger.EventHoldCreated, ledger.EventDisputeFiled, ledger.EventHoldDisputed)
	pub := &recordingPublisher{}
	r := NewRelay(store, pub, time.Second, 10, nil)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{ledger.EventHoldCreated, ledger.EventDisputeFiled, ledger.EventHoldDisputed}, pub.types)

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published events are not sent twice")
}

func TestRelay_StopsAtFirstFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	enqueue(t, store, ledger.EventHoldCreated, ledger.EventRefundRequested, ledger.EventRefundCompleted)
	pub := &recordingPublisher{failAt: 2}
	r := NewRelay(store, pub, time.Second, 10, nil)

	n, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending, err := store.PendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ledger.EventRefundRequested, pending[0].Type)

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{ledger.EventHoldCreated, ledger.EventRefundRequested, ledger.EventRefundCompleted}, pub.types)
}

func TestRelay_BatchSize(t *testing.T) {
	store := ledger.NewMemoryStore()
	enqueue(t, store, "a.x", "b.x", "c.x")
	r := NewRelay(store, &recordingPublisher{}, time.Second, 2, nil)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelay_StartStop(t *testing.T) {
	r := NewRelay(ledger.NewMemoryStore(), NewLogPublisher(nil), 5*time.Millisecond, 10, nil)
	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, r.Running, time.Second, time.Millisecond)
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestMessage(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	e := newEvent(t, ledger.EventDisputeResolved, "dsp_1", map[string]string{"status": "resolved"}, at)

	msg, err := message(e)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, e.ID, msg.MessageId)
	assert.Equal(t, ledger.EventDisputeResolved, msg.Type)
	assert.Equal(t, "dsp_1", msg.Headers["aggregate_id"])
	assert.Equal(t, at, msg.Timestamp)

	var decoded ledger.Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.JSONEq(t, `{"status":"resolved"}`, string(decoded.Payload))
}
