package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/syncutil"
)

// DefaultLockWait bounds how long a transaction waits for a row lock before
// failing with ErrConcurrentModification.
const DefaultLockWait = 5 * time.Second

// MemoryStore is an in-memory ledger for development and tests. Row locks
// are per-key mutexes held for the life of a transaction; writes are staged
// and applied atomically at commit after version and uniqueness checks.
type MemoryStore struct {
	mu           sync.RWMutex
	holds        map[string]*EscrowHold
	byBooking    map[string]string
	refunds      map[string]*Refund
	wallet       map[string]*WalletTransaction
	walletByHold map[string][]string
	disputes     map[string]*Dispute
	bookings     map[string]*BookingStatus
	audit        []*AuditEntry
	events       []*Event

	locks    *syncutil.KeyedMutex
	lockWait time.Duration
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:        make(map[string]*EscrowHold),
		byBooking:    make(map[string]string),
		refunds:      make(map[string]*Refund),
		wallet:       make(map[string]*WalletTransaction),
		walletByHold: make(map[string][]string),
		disputes:     make(map[string]*Dispute),
		bookings:     make(map[string]*BookingStatus),
		locks:        syncutil.NewKeyedMutex(),
		lockWait:     DefaultLockWait,
	}
}

// WithLockWait overrides DefaultLockWait.
func (m *MemoryStore) WithLockWait(d time.Duration) *MemoryStore {
	m.lockWait = d
	return m
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx := newMemTx(m)
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetHold(ctx context.Context, id string) (*EscrowHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return copyHold(h), nil
}

func (m *MemoryStore) GetHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return copyHold(m.holds[id]), nil
}

func (m *MemoryStore) GetRefund(ctx context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRefunds(ctx context.Context, holdID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Refund
	for _, r := range m.refunds {
		if r.HoldID == holdID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortRefunds(result)
	return result, nil
}

func (m *MemoryStore) ListPendingRefunds(ctx context.Context, limit int) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Refund
	for _, r := range m.refunds {
		if r.Status == RefundPending {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortRefunds(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetWalletTransaction(ctx context.Context, id string) (*WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wt, ok := m.wallet[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyWalletTx(wt), nil
}

func (m *MemoryStore) ListWalletTransactions(ctx context.Context, holdID string) ([]*WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.walletByHold[holdID]
	result := make([]*WalletTransaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyWalletTx(m.wallet[id]))
	}
	return result, nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, f DisputeFilter) ([]*Dispute, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Priority != "" && d.Priority != f.Priority {
			continue
		}
		if f.HoldID != "" && d.HoldID != f.HoldID {
			continue
		}
		if !cursor.Before(d.CreatedAt, d.ID) {
			continue
		}
		result = append(result, copyDispute(d))
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ActiveDispute(ctx context.Context, holdID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.HoldID == holdID && d.Status.IsActive() {
			return copyDispute(d), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetBookingStatus(ctx context.Context, bookingID string) (*BookingStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AuditEntry
	for _, e := range m.audit {
		if q.TargetType != "" && e.TargetType != q.TargetType {
			continue
		}
		if q.TargetID != "" && e.TargetID != q.TargetID {
			continue
		}
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if !cursor.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ClaimExpired(ctx context.Context, now, claimUntil time.Time, owner string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	disputed := make(map[string]bool)
	for _, d := range m.disputes {
		if d.Status.IsActive() {
			disputed[d.HoldID] = true
		}
	}

	var candidates []*EscrowHold
	for _, h := range m.holds {
		if h.Status != HoldHeld || h.ExpiresAt.After(now) || disputed[h.ID] {
			continue
		}
		if h.ClaimedUntil != nil && !h.ClaimedUntil.Before(now) {
			continue
		}
		candidates = append(candidates, h)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]string, 0, len(candidates))
	for _, h := range candidates {
		until := claimUntil
		h.ClaimedBy = owner
		h.ClaimedUntil = &until
		ids = append(ids, h.ID)
	}
	return ids, nil
}

func (m *MemoryStore) RecordTransfer(ctx context.Context, id string, u TransferUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt, ok := m.wallet[id]
	if !ok {
		return ErrTransactionNotFound
	}
	wt.TransferStatus = u.Status
	wt.TransferAttempts++
	if u.Ref != "" {
		wt.TransferRef = u.Ref
	}
	wt.LastError = u.Error
	wt.NextAttemptAt = copyTime(u.NextAttemptAt)
	return nil
}

func (m *MemoryStore) ListTransfersDue(ctx context.Context, now time.Time, limit int) ([]*WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*WalletTransaction
	for _, wt := range m.wallet {
		if wt.TransferStatus != TransferPending && wt.TransferStatus != TransferFailed {
			continue
		}
		if wt.NextAttemptAt == nil || wt.NextAttemptAt.After(now) {
			continue
		}
		result = append(result, copyWalletTx(wt))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextAttemptAt.Before(*result[j].NextAttemptAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.PublishedAt != nil {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, e := range m.events {
		if want[e.ID] && e.PublishedAt == nil {
			t := at
			e.PublishedAt = &t
		}
	}
	return nil
}

// memTx stages writes until commit. Reads see the transaction's own writes
// layered over committed state.
type memTx struct {
	m    *MemoryStore
	held map[string]func()

	holds       map[string]*EscrowHold
	holdBase    map[string]int64 // committed version when first read; -1 for inserts
	refunds     map[string]*Refund
	disputes    map[string]*Dispute
	newDisputes map[string]bool
	wallet      []*WalletTransaction
	bookings    map[string]*BookingStatus
	audit       []*AuditEntry
	events      []*Event
}

func newMemTx(m *MemoryStore) *memTx {
	return &memTx{
		m:           m,
		held:        make(map[string]func()),
		holds:       make(map[string]*EscrowHold),
		holdBase:    make(map[string]int64),
		refunds:     make(map[string]*Refund),
		disputes:    make(map[string]*Dispute),
		newDisputes: make(map[string]bool),
		bookings:    make(map[string]*BookingStatus),
	}
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, t.m.lockWait)
	defer cancel()

	unlock, err := t.m.locks.LockContext(lctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("lock %s: %w", key, ErrConcurrentModification)
	}
	t.held[key] = unlock
	return nil
}

func (t *memTx) releaseLocks() {
	for _, unlock := range t.held {
		unlock()
	}
	t.held = nil
}

func (t *memTx) LockHold(ctx context.Context, id string) (*EscrowHold, error) {
	if err := t.lock(ctx, "hold:"+id); err != nil {
		return nil, err
	}
	if h, ok := t.holds[id]; ok {
		return copyHold(h), nil
	}

	t.m.mu.RLock()
	h, ok := t.m.holds[id]
	var cp *EscrowHold
	if ok {
		cp = copyHold(h)
	}
	t.m.mu.RUnlock()
	if !ok {
		return nil, ErrHoldNotFound
	}
	if _, seen := t.holdBase[id]; !seen {
		t.holdBase[id] = cp.Version
	}
	return cp, nil
}

func (t *memTx) LockHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error) {
	for id, h := range t.holds {
		if h.BookingID == bookingID {
			return t.LockHold(ctx, id)
		}
	}
	t.m.mu.RLock()
	id, ok := t.m.byBooking[bookingID]
	t.m.mu.RUnlock()
	if !ok {
		return nil, ErrHoldNotFound
	}
	return t.LockHold(ctx, id)
}

func (t *memTx) InsertHold(ctx context.Context, h *EscrowHold) error {
	for _, staged := range t.holds {
		if staged.ID == h.ID || staged.BookingID == h.BookingID {
			return ErrDuplicateHold
		}
	}
	t.m.mu.RLock()
	_, idTaken := t.m.holds[h.ID]
	_, bookingTaken := t.m.byBooking[h.BookingID]
	t.m.mu.RUnlock()
	if idTaken || bookingTaken {
		return ErrDuplicateHold
	}
	t.holds[h.ID] = copyHold(h)
	t.holdBase[h.ID] = -1
	return nil
}

func (t *memTx) UpdateHold(ctx context.Context, h *EscrowHold) error {
	if _, ok := t.held["hold:"+h.ID]; !ok && t.holdBase[h.ID] != -1 {
		return fmt.Errorf("update hold %s without lock: %w", h.ID, ErrConcurrentModification)
	}
	current := t.holdBase[h.ID]
	if staged, ok := t.holds[h.ID]; ok {
		current = staged.Version
	}
	if h.Version != current {
		return ErrConcurrentModification
	}
	h.Version++
	t.holds[h.ID] = copyHold(h)
	return nil
}

func (t *memTx) refundsFor(holdID string) []*Refund {
	merged := make(map[string]*Refund)
	t.m.mu.RLock()
	for id, r := range t.m.refunds {
		if r.HoldID == holdID {
			merged[id] = r
		}
	}
	t.m.mu.RUnlock()
	for id, r := range t.refunds {
		if r.HoldID == holdID {
			merged[id] = r
		}
	}
	out := make([]*Refund, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	return out
}

func (t *memTx) CompletedRefundTotal(ctx context.Context, holdID string) (money.Amount, error) {
	var total money.Amount
	for _, r := range t.refundsFor(holdID) {
		if r.Status == RefundCompleted {
			total += r.Amount
		}
	}
	return total, nil
}

func (t *memTx) InsertRefund(ctx context.Context, r *Refund) error {
	cp := *r
	t.refunds[r.ID] = &cp
	return nil
}

func (t *memTx) LockRefund(ctx context.Context, id string) (*Refund, error) {
	if err := t.lock(ctx, "refund:"+id); err != nil {
		return nil, err
	}
	if r, ok := t.refunds[id]; ok {
		cp := *r
		return &cp, nil
	}
	t.m.mu.RLock()
	r, ok := t.m.refunds[id]
	var cp Refund
	if ok {
		cp = *r
	}
	t.m.mu.RUnlock()
	if !ok {
		return nil, ErrRefundNotFound
	}
	return &cp, nil
}

func (t *memTx) LockPendingRefunds(ctx context.Context, holdID string) ([]*Refund, error) {
	var out []*Refund
	for _, r := range t.refundsFor(holdID) {
		if r.Status != RefundPending {
			continue
		}
		locked, err := t.LockRefund(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if locked.Status == RefundPending {
			out = append(out, locked)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateRefund(ctx context.Context, r *Refund) error {
	cp := *r
	t.refunds[r.ID] = &cp
	return nil
}

func (t *memTx) InsertWalletTransaction(ctx context.Context, wt *WalletTransaction) error {
	t.wallet = append(t.wallet, copyWalletTx(wt))
	return nil
}

func (t *memTx) disputesFor(holdID string) []*Dispute {
	merged := make(map[string]*Dispute)
	t.m.mu.RLock()
	for id, d := range t.m.disputes {
		if d.HoldID == holdID {
			merged[id] = d
		}
	}
	t.m.mu.RUnlock()
	for id, d := range t.disputes {
		if d.HoldID == holdID {
			merged[id] = d
		}
	}
	out := make([]*Dispute, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	return out
}

func (t *memTx) ActiveDispute(ctx context.Context, holdID string) (*Dispute, error) {
	for _, d := range t.disputesFor(holdID) {
		if d.Status.IsActive() {
			return copyDispute(d), nil
		}
	}
	return nil, nil
}

func (t *memTx) LockDispute(ctx context.Context, id string) (*Dispute, error) {
	if err := t.lock(ctx, "dispute:"+id); err != nil {
		return nil, err
	}
	if d, ok := t.disputes[id]; ok {
		return copyDispute(d), nil
	}
	t.m.mu.RLock()
	d, ok := t.m.disputes[id]
	var cp *Dispute
	if ok {
		cp = copyDispute(d)
	}
	t.m.mu.RUnlock()
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cp, nil
}

func (t *memTx) InsertDispute(ctx context.Context, d *Dispute) error {
	if d.Status.IsActive() {
		for _, other := range t.disputesFor(d.HoldID) {
			if other.ID != d.ID && other.Status.IsActive() {
				return ErrDuplicateDispute
			}
		}
	}
	t.disputes[d.ID] = copyDispute(d)
	t.newDisputes[d.ID] = true
	return nil
}

func (t *memTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	if _, ok := t.held["dispute:"+d.ID]; !ok && !t.newDisputes[d.ID] {
		return fmt.Errorf("update dispute %s without lock: %w", d.ID, ErrConcurrentModification)
	}
	d.Version++
	t.disputes[d.ID] = copyDispute(d)
	return nil
}

func (t *memTx) SetBookingStatus(ctx context.Context, bookingID string, status BookingState, at time.Time) error {
	t.bookings[bookingID] = &BookingStatus{BookingID: bookingID, Status: status, UpdatedAt: at}
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	t.audit = append(t.audit, &cp)
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, e *Event) error {
	cp := *e
	t.events = append(t.events, &cp)
	return nil
}

func (t *memTx) commit() error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before applying anything.
	for id, h := range t.holds {
		base := t.holdBase[id]
		if base == -1 {
			if _, ok := m.holds[id]; ok {
				return ErrDuplicateHold
			}
			if _, ok := m.byBooking[h.BookingID]; ok {
				return ErrDuplicateHold
			}
			continue
		}
		if current, ok := m.holds[id]; !ok || current.Version != base {
			return ErrConcurrentModification
		}
	}
	for id, d := range t.disputes {
		if !d.Status.IsActive() {
			continue
		}
		for otherID, other := range m.disputes {
			if otherID == id || other.HoldID != d.HoldID || !other.Status.IsActive() {
				continue
			}
			if staged, ok := t.disputes[otherID]; ok && !staged.Status.IsActive() {
				continue
			}
			return ErrDuplicateDispute
		}
	}

	for id, h := range t.holds {
		m.holds[id] = copyHold(h)
		m.byBooking[h.BookingID] = id
	}
	for id, r := range t.refunds {
		cp := *r
		m.refunds[id] = &cp
	}
	for _, wt := range t.wallet {
		m.wallet[wt.ID] = copyWalletTx(wt)
		m.walletByHold[wt.HoldID] = append(m.walletByHold[wt.HoldID], wt.ID)
	}
	for id, d := range t.disputes {
		m.disputes[id] = copyDispute(d)
	}
	for id, b := range t.bookings {
		cp := *b
		m.bookings[id] = &cp
	}
	m.audit = append(m.audit, t.audit...)
	m.events = append(m.events, t.events...)
	return nil
}

func sortRefunds(rs []*Refund) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyHold(h *EscrowHold) *EscrowHold {
	cp := *h
	cp.ReleasedAt = copyTime(h.ReleasedAt)
	cp.ClaimedUntil = copyTime(h.ClaimedUntil)
	return &cp
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.ResolvedAt = copyTime(d.ResolvedAt)
	cp.AppealedAt = copyTime(d.AppealedAt)
	return &cp
}

func copyWalletTx(wt *WalletTransaction) *WalletTransaction {
	cp := *wt
	cp.NextAttemptAt = copyTime(wt.NextAttemptAt)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
