package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
)

var (
	start   = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	capture = ledger.Actor{ID: "system:payments", Role: ledger.RoleSystem}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	store   *ledger.MemoryStore
	escrow  *escrow.Service
	clock   *clock
	tracker *MemoryTracker
	timer   *Timer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	rates, err := money.ParseRateTable("0.10", "")
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	c := &clock{now: start}
	svc := escrow.NewService(store, escrow.Config{
		HoldPeriod: 24 * time.Hour,
		Rates:      rates,
	}, nil).WithClock(c.Now)
	tracker := NewMemoryTracker(time.Minute, time.Hour)
	timer := NewTimer(store, svc, tracker, Config{BatchSize: 10, RatePerSecond: 1000}, nil)
	return &env{store: store, escrow: svc, clock: c, tracker: tracker, timer: timer}
}

func (e *env) hold(t *testing.T) *ledger.EscrowHold {
	t.Helper()
	h, err := e.escrow.CreateHold(context.Background(), escrow.CreateRequest{
		BookingID:  idgen.New("bk_"),
		CustomerID: "cust_1",
		ProviderID: "prov_1",
		Amount:     money.MustParse("80.00"),
	}, capture)
	require.NoError(t, err)
	return h
}

func TestRunOnce_ReleasesExpiredHolds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.hold(t), e.hold(t)

	res, err := e.timer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "nothing has expired yet")

	e.clock.Advance(25 * time.Hour)
	res, err = e.timer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 2, res.Released)

	for _, id := range []string{a.ID, b.ID} {
		h, err := e.store.GetHold(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.HoldReleased, h.Status)
	}

	res, err = e.timer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "released holds are not claimed again")
}

func TestRunOnce_SkipsHoldsInBackoff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h := e.hold(t)
	e.clock.Advance(25 * time.Hour)

	_, err := e.tracker.Fail(ctx, h.ID, e.clock.Now())
	require.NoError(t, err)

	res, err := e.timer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Released)

	got, err := e.store.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldHeld, got.Status)

	// The claim lapses and the backoff window passes.
	e.clock.Advance(2 * time.Hour)
	res, err = e.timer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
}

func TestRunOnce_ClaimExcludesOtherSweeps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.hold(t)
	e.clock.Advance(25 * time.Hour)

	now := e.clock.Now()
	ids, err := e.store.ClaimExpired(ctx, now, now.Add(time.Minute), "other-instance", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	res, err := e.timer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestTimer_StartStop(t *testing.T) {
	e := newEnv(t)
	e.timer.cfg.Interval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		e.timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, e.timer.Running, time.Second, 5*time.Millisecond)

	e.timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, e.timer.Running())
}

func TestMemoryTracker_Backoff(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(time.Minute, 4*time.Minute)

	blocked, err := tr.Blocked(ctx, "h1", start)
	require.NoError(t, err)
	assert.False(t, blocked)

	first, err := tr.Fail(ctx, "h1", start)
	require.NoError(t, err)
	assert.WithinDuration(t, start.Add(time.Minute), first, 15*time.Second)

	blocked, _ = tr.Blocked(ctx, "h1", start.Add(30*time.Second))
	assert.True(t, blocked)
	blocked, _ = tr.Blocked(ctx, "h1", first)
	assert.False(t, blocked)

	for i := 0; i < 5; i++ {
		_, err = tr.Fail(ctx, "h1", start)
		require.NoError(t, err)
	}
	capped, _ := tr.Fail(ctx, "h1", start)
	assert.WithinDuration(t, start.Add(4*time.Minute), capped, time.Minute)

	require.NoError(t, tr.Clear(ctx, "h1"))
	blocked, _ = tr.Blocked(ctx, "h1", start)
	assert.False(t, blocked)
}
