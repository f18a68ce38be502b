package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/pagination"
)

// storeFactory returns an empty store.
type storeFactory func(t *testing.T) Store

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHold(expiresAt time.Time) *EscrowHold {
	id := uuid.NewString()
	return &EscrowHold{
		ID:             "hold_" + id,
		BookingID:      "bk_" + id,
		CustomerID:     "cust_1",
		ProviderID:     "prov_1",
		Amount:         10000,
		PlatformFee:    1000,
		ProviderPayout: 9000,
		FeeRate:        decimal.RequireFromString("0.1"),
		Status:         HoldHeld,
		HeldAt:         testNow,
		ExpiresAt:      expiresAt,
		UpdatedAt:      testNow,
	}
}

func newTestDispute(h *EscrowHold, status DisputeStatus, createdAt time.Time) *Dispute {
	return &Dispute{
		ID:           "dsp_" + uuid.NewString(),
		BookingID:    h.BookingID,
		HoldID:       h.ID,
		FiledBy:      h.CustomerID,
		FiledAgainst: h.ProviderID,
		Type:         DisputeQuality,
		Description:  "cleaner left early",
		Priority:     PriorityMedium,
		Status:       status,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func insertHold(t *testing.T, s Store, h *EscrowHold) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertHold(context.Background(), h)
	})
	require.NoError(t, err)
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("InsertAndGetHold", func(t *testing.T) { testInsertAndGetHold(t, newStore(t)) })
	t.Run("DuplicateBooking", func(t *testing.T) { testDuplicateBooking(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("StaleVersionRejected", func(t *testing.T) { testStaleVersionRejected(t, newStore(t)) })
	t.Run("CompletedRefundTotal", func(t *testing.T) { testCompletedRefundTotal(t, newStore(t)) })
	t.Run("LockPendingRefunds", func(t *testing.T) { testLockPendingRefunds(t, newStore(t)) })
	t.Run("LockSerializesRefunds", func(t *testing.T) { testLockSerializesRefunds(t, newStore(t)) })
	t.Run("OneActiveDispute", func(t *testing.T) { testOneActiveDispute(t, newStore(t)) })
	t.Run("ListDisputesPaginates", func(t *testing.T) { testListDisputesPaginates(t, newStore(t)) })
	t.Run("ClaimExpired", func(t *testing.T) { testClaimExpired(t, newStore(t)) })
	t.Run("TransfersDue", func(t *testing.T) { testTransfersDue(t, newStore(t)) })
	t.Run("OutboxAndAudit", func(t *testing.T) { testOutboxAndAudit(t, newStore(t)) })
	t.Run("BookingStatus", func(t *testing.T) { testBookingStatus(t, newStore(t)) })
}

func testInsertAndGetHold(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(24 * time.Hour))
	h.PaymentRef = "pi_123"
	insertHold(t, s, h)

	got, err := s.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.BookingID, got.BookingID)
	assert.Equal(t, money.Amount(10000), got.Amount)
	assert.Equal(t, money.Amount(1000), got.PlatformFee)
	assert.Equal(t, money.Amount(9000), got.ProviderPayout)
	assert.True(t, got.FeeRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "pi_123", got.PaymentRef)
	assert.True(t, got.HeldAt.Equal(testNow))

	byBooking, err := s.GetHoldByBooking(ctx, h.BookingID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, byBooking.ID)

	_, err = s.GetHold(ctx, "hold_missing")
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func testDuplicateBooking(t *testing.T, s Store) {
	h := newTestHold(testNow.Add(time.Hour))
	insertHold(t, s, h)

	dup := newTestHold(testNow.Add(time.Hour))
	dup.BookingID = h.BookingID
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertHold(context.Background(), dup)
	})
	assert.ErrorIs(t, err, ErrDuplicateHold)
}

func testRollbackOnError(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		e, err := NewEvent(EventHoldCreated, h.ID, h, testNow)
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, e); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetHold(ctx, h.ID)
	assert.ErrorIs(t, err, ErrHoldNotFound)
	events, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testStaleVersionRejected(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	insertHold(t, s, h)

	stale, err := s.GetHold(ctx, h.ID)
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockHold(ctx, h.ID)
		if err != nil {
			return err
		}
		locked.Status = HoldDisputed
		return tx.UpdateHold(ctx, locked)
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockHold(ctx, h.ID); err != nil {
			return err
		}
		stale.Status = HoldReleased
		return tx.UpdateHold(ctx, stale)
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := s.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HoldDisputed, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func testCompletedRefundTotal(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	insertHold(t, s, h)

	err := s.InTx(ctx, func(tx Tx) error {
		for i, st := range []RefundStatus{RefundCompleted, RefundPending, RefundCompleted, RefundRejected} {
			r := &Refund{
				ID:          "rf_" + uuid.NewString(),
				BookingID:   h.BookingID,
				HoldID:      h.ID,
				Amount:      money.Amount(1000 * (i + 1)),
				Status:      st,
				RequestedBy: h.CustomerID,
				CreatedAt:   testNow.Add(time.Duration(i) * time.Second),
				UpdatedAt:   testNow,
			}
			if err := tx.InsertRefund(ctx, r); err != nil {
				return err
			}
		}
		total, err := tx.CompletedRefundTotal(ctx, h.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, money.Amount(4000), total)
		return nil
	})
	require.NoError(t, err)

	refunds, err := s.ListRefunds(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 4)
	assert.Equal(t, money.Amount(1000), refunds[0].Amount)

	pending, err := s.ListPendingRefunds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, money.Amount(2000), pending[0].Amount)
}

func testLockPendingRefunds(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	other := newTestHold(testNow.Add(time.Hour))
	insertHold(t, s, h)
	insertHold(t, s, other)

	var ids []string
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, st := range []RefundStatus{RefundPending, RefundCompleted, RefundPending} {
			r := &Refund{
				ID:          "rf_" + uuid.NewString(),
				BookingID:   h.BookingID,
				HoldID:      h.ID,
				Amount:      money.Amount(100 * (i + 1)),
				Status:      st,
				RequestedBy: h.CustomerID,
				CreatedAt:   testNow.Add(time.Duration(i) * time.Second),
				UpdatedAt:   testNow,
			}
			if st == RefundPending {
				ids = append(ids, r.ID)
			}
			if err := tx.InsertRefund(ctx, r); err != nil {
				return err
			}
		}
		return tx.InsertRefund(ctx, &Refund{
			ID: "rf_" + uuid.NewString(), BookingID: other.BookingID, HoldID: other.ID,
			Amount: 100, Status: RefundPending, RequestedBy: other.CustomerID,
			CreatedAt: testNow, UpdatedAt: testNow,
		})
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockHold(ctx, h.ID); err != nil {
			return err
		}
		pending, err := tx.LockPendingRefunds(ctx, h.ID)
		if err != nil {
			return err
		}
		require.Len(t, pending, 2)
		assert.Equal(t, ids[0], pending[0].ID)
		assert.Equal(t, ids[1], pending[1].ID)

		pending[0].Status = RefundRejected
		pending[0].UpdatedAt = testNow
		return tx.UpdateRefund(ctx, pending[0])
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		pending, err := tx.LockPendingRefunds(ctx, h.ID)
		if err != nil {
			return err
		}
		require.Len(t, pending, 1)
		assert.Equal(t, ids[1], pending[0].ID)
		return nil
	}))
}

// Concurrent writers that check the remaining balance under the hold lock
// must never over-refund.
func testLockSerializesRefunds(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	h.Amount, h.PlatformFee, h.ProviderPayout = 500, 50, 450
	insertHold(t, s, h)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(tx Tx) error {
				held, err := tx.LockHold(ctx, h.ID)
				if err != nil {
					return err
				}
				total, err := tx.CompletedRefundTotal(ctx, held.ID)
				if err != nil {
					return err
				}
				if total+100 > held.Amount {
					return ErrAmountExceedsHold
				}
				return tx.InsertRefund(ctx, &Refund{
					ID:          "rf_" + uuid.NewString(),
					BookingID:   held.BookingID,
					HoldID:      held.ID,
					Amount:      100,
					Status:      RefundCompleted,
					RequestedBy: "admin_1",
					CreatedAt:   testNow,
					UpdatedAt:   testNow,
				})
			})
		}()
	}
	wg.Wait()

	refunds, err := s.ListRefunds(ctx, h.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 5)
}

func testOneActiveDispute(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	insertHold(t, s, h)

	first := newTestDispute(h, DisputeOpen, testNow)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertDispute(ctx, first) }))

	second := newTestDispute(h, DisputeOpen, testNow.Add(time.Second))
	err := s.InTx(ctx, func(tx Tx) error { return tx.InsertDispute(ctx, second) })
	assert.ErrorIs(t, err, ErrDuplicateDispute)

	active, err := s.ActiveDispute(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	err = s.InTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispute(ctx, first.ID)
		if err != nil {
			return err
		}
		resolvedAt := testNow.Add(time.Minute)
		d.Status = DisputeResolved
		d.ResolutionType = ResolutionNoRefund
		d.ResolvedAt = &resolvedAt
		d.ResolvedBy = "admin_1"
		return tx.UpdateDispute(ctx, d)
	})
	require.NoError(t, err)

	active, err = s.ActiveDispute(ctx, h.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	got, err := s.GetDispute(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, DisputeResolved, got.Status)
	assert.Equal(t, ResolutionNoRefund, got.ResolutionType)
	assert.Equal(t, int64(1), got.Version)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertDispute(ctx, second) }))
}

func testListDisputesPaginates(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		h := newTestHold(testNow.Add(time.Hour))
		insertHold(t, s, h)
		d := newTestDispute(h, DisputeOpen, testNow.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			d.Priority = PriorityHigh
		}
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertDispute(ctx, d) }))
		ids = append(ids, d.ID)
	}

	page1, err := s.ListDisputes(ctx, DisputeFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	last := page1[len(page1)-1]
	page2, err := s.ListDisputes(ctx, DisputeFilter{Limit: 10, Cursor: pagination.Encode(last.CreatedAt, last.ID)})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, ids[2], page2[0].ID)

	high, err := s.ListDisputes(ctx, DisputeFilter{Priority: PriorityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 3)

	_, err = s.ListDisputes(ctx, DisputeFilter{Cursor: "!!"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func testClaimExpired(t *testing.T, s Store) {
	ctx := context.Background()
	expired := newTestHold(testNow.Add(-time.Hour))
	future := newTestHold(testNow.Add(time.Hour))
	disputed := newTestHold(testNow.Add(-time.Hour))
	for _, h := range []*EscrowHold{expired, future, disputed} {
		insertHold(t, s, h)
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.InsertDispute(ctx, newTestDispute(disputed, DisputeOpen, testNow))
	}))

	ids, err := s.ClaimExpired(ctx, testNow, testNow.Add(5*time.Minute), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.ID}, ids)

	ids, err = s.ClaimExpired(ctx, testNow, testNow.Add(5*time.Minute), "worker-b", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "live claim must not be stolen")

	later := testNow.Add(10 * time.Minute)
	ids, err = s.ClaimExpired(ctx, later, later.Add(5*time.Minute), "worker-b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.ID}, ids, "lapsed claim is reclaimable")

	got, err := s.GetHold(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", got.ClaimedBy)
}

func testTransfersDue(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))
	insertHold(t, s, h)

	due := testNow.Add(-time.Minute)
	notYet := testNow.Add(time.Hour)
	txs := []*WalletTransaction{
		{ID: "wt_" + uuid.NewString(), UserID: h.ProviderID, HoldID: h.ID, Type: TxPayout, Amount: 9000,
			TransferStatus: TransferPending, NextAttemptAt: &due, CreatedAt: testNow},
		{ID: "wt_" + uuid.NewString(), UserID: "platform", HoldID: h.ID, Type: TxFee, Amount: 1000,
			TransferStatus: TransferNotRequired, CreatedAt: testNow},
		{ID: "wt_" + uuid.NewString(), UserID: h.CustomerID, HoldID: h.ID, Type: TxRefund, Amount: 500,
			TransferStatus: TransferFailed, NextAttemptAt: &notYet, CreatedAt: testNow},
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, wt := range txs {
			if err := tx.InsertWalletTransaction(ctx, wt); err != nil {
				return err
			}
		}
		return nil
	}))

	listed, err := s.ListWalletTransactions(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, TxPayout, listed[0].Type)

	dueTxs, err := s.ListTransfersDue(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, dueTxs, 1)
	assert.Equal(t, txs[0].ID, dueTxs[0].ID)

	require.NoError(t, s.RecordTransfer(ctx, txs[0].ID, TransferUpdate{Status: TransferSent, Ref: "tr_1"}))
	got, err := s.GetWalletTransaction(ctx, txs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, TransferSent, got.TransferStatus)
	assert.Equal(t, "tr_1", got.TransferRef)
	assert.Equal(t, 1, got.TransferAttempts)
	assert.Nil(t, got.NextAttemptAt)

	dueTxs, err = s.ListTransfersDue(ctx, testNow.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, dueTxs, 1)
	assert.Equal(t, txs[2].ID, dueTxs[0].ID)

	assert.ErrorIs(t, s.RecordTransfer(ctx, "wt_missing", TransferUpdate{Status: TransferSent}), ErrTransactionNotFound)
}

func testOutboxAndAudit(t *testing.T, s Store) {
	ctx := context.Background()
	h := newTestHold(testNow.Add(time.Hour))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		for i, action := range []string{"hold.create", "hold.release"} {
			if err := tx.AppendAudit(ctx, &AuditEntry{
				ActorID:    "admin_1",
				ActorRole:  RoleAdmin,
				Action:     action,
				TargetType: TargetHold,
				TargetID:   h.ID,
				Amount:     h.Amount,
				CreatedAt:  testNow.Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		e, err := NewEvent(EventHoldCreated, h.ID, map[string]string{"holdId": h.ID}, testNow)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, e)
	}))

	events, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventHoldCreated, events[0].Type)
	assert.JSONEq(t, `{"holdId":"`+h.ID+`"}`, string(events[0].Payload))

	require.NoError(t, s.MarkEventsPublished(ctx, []string{events[0].ID}, testNow))
	events, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	entries, err := s.QueryAudit(ctx, AuditQuery{TargetType: TargetHold, TargetID: h.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hold.release", entries[0].Action)
	assert.NotEmpty(t, entries[0].ID)

	page, err := s.QueryAudit(ctx, AuditQuery{TargetID: h.ID, Limit: 1,
		Cursor: pagination.Encode(entries[0].CreatedAt, entries[0].ID)})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "hold.create", page[0].Action)
}

func testBookingStatus(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetBookingStatus(ctx, "bk_none")
	assert.ErrorIs(t, err, ErrBookingNotFound)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.SetBookingStatus(ctx, "bk_1", BookingCompleted, testNow)
	}))
	got, err := s.GetBookingStatus(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, BookingCompleted, got.Status)
}
