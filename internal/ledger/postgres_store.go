package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Writes run in READ
// COMMITTED transactions that take SELECT ... FOR UPDATE row locks in the
// order dispute, hold, refund; lock waits are bounded by lock_timeout.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: DefaultLockWait}
}

// WithLockTimeout overrides DefaultLockWait.
func (p *PostgresStore) WithLockTimeout(d time.Duration) *PostgresStore {
	p.lockTimeout = d
	return p
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapPgError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
		return mapPgError(err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	return commitError(tx.Commit())
}

// commitError classifies a failed COMMIT. Serialization failures are a
// definite rollback; anything else may have been applied.
func commitError(err error) error {
	if err == nil {
		return nil
	}
	if mapped := mapPgError(err); errors.Is(mapped, ErrConcurrentModification) {
		return mapped
	}
	return fmt.Errorf("%w: %w", ErrCommitUnknown, err)
}

// mapPgError translates driver errors into ledger sentinels. Errors that are
// already ledger errors pass through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pqErr.Message)
	case "23505":
		switch pqErr.Constraint {
		case "escrow_holds_pkey", "escrow_holds_booking_id_key":
			return ErrDuplicateHold
		case "disputes_one_active_per_hold":
			return ErrDuplicateDispute
		}
	}
	if pqErr.Code.Class() == "08" {
		return fmt.Errorf("%w: %s", ErrTransient, pqErr.Message)
	}
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const holdColumns = `id, booking_id, customer_id, provider_id, amount, platform_fee, provider_payout,
	fee_rate, status, payment_ref, payout_account, held_at, expires_at, released_at,
	version, claimed_by, claimed_until, updated_at`

func scanHold(s scanner) (*EscrowHold, error) {
	h := &EscrowHold{}
	var (
		status        string
		paymentRef    sql.NullString
		payoutAccount sql.NullString
		releasedAt    sql.NullTime
		claimedBy     sql.NullString
		claimedUntil  sql.NullTime
	)
	err := s.Scan(
		&h.ID, &h.BookingID, &h.CustomerID, &h.ProviderID, &h.Amount, &h.PlatformFee, &h.ProviderPayout,
		&h.FeeRate, &status, &paymentRef, &payoutAccount, &h.HeldAt, &h.ExpiresAt, &releasedAt,
		&h.Version, &claimedBy, &claimedUntil, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	h.PaymentRef = paymentRef.String
	h.PayoutAccount = payoutAccount.String
	h.ReleasedAt = timePtr(releasedAt)
	h.ClaimedBy = claimedBy.String
	h.ClaimedUntil = timePtr(claimedUntil)
	return h, nil
}

func getHold(ctx context.Context, q querier, where, suffix string, arg any) (*EscrowHold, error) {
	row := q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE `+where+` = $1`+suffix, arg)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, mapPgError(err)
}

const refundColumns = `id, booking_id, escrow_hold_id, dispute_id, amount, reason, status,
	requested_by, approved_by, notes, created_at, updated_at, completed_at`

func scanRefund(s scanner) (*Refund, error) {
	r := &Refund{}
	var (
		status      string
		disputeID   sql.NullString
		approvedBy  sql.NullString
		notes       sql.NullString
		completedAt sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.BookingID, &r.HoldID, &disputeID, &r.Amount, &r.Reason, &status,
		&r.RequestedBy, &approvedBy, &notes, &r.CreatedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = RefundStatus(status)
	r.DisputeID = disputeID.String
	r.ApprovedBy = approvedBy.String
	r.Notes = notes.String
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}

func scanRefunds(rows *sql.Rows) ([]*Refund, error) {
	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const walletColumns = `id, user_id, escrow_hold_id, refund_id, type, amount, transfer_status,
	transfer_ref, transfer_attempts, next_attempt_at, last_error, created_at`

func scanWalletTx(s scanner) (*WalletTransaction, error) {
	wt := &WalletTransaction{}
	var (
		refundID    sql.NullString
		txType      string
		status      string
		ref         sql.NullString
		nextAttempt sql.NullTime
		lastError   sql.NullString
	)
	err := s.Scan(
		&wt.ID, &wt.UserID, &wt.HoldID, &refundID, &txType, &wt.Amount, &status,
		&ref, &wt.TransferAttempts, &nextAttempt, &lastError, &wt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	wt.RefundID = refundID.String
	wt.Type = TxType(txType)
	wt.TransferStatus = TransferStatus(status)
	wt.TransferRef = ref.String
	wt.NextAttemptAt = timePtr(nextAttempt)
	wt.LastError = lastError.String
	return wt, nil
}

func scanWalletTxs(rows *sql.Rows) ([]*WalletTransaction, error) {
	var result []*WalletTransaction
	for rows.Next() {
		wt, err := scanWalletTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	return result, rows.Err()
}

const disputeColumns = `id, booking_id, escrow_hold_id, filed_by, filed_against, dispute_type,
	description, priority, status, resolution_type, refund_amount, resolution, admin_notes,
	resolved_by, resolved_at, appealed_by, appealed_at, created_at, updated_at, version`

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		disputeType    string
		priority       string
		status         string
		resolutionType sql.NullString
		resolution     sql.NullString
		adminNotes     sql.NullString
		resolvedBy     sql.NullString
		resolvedAt     sql.NullTime
		appealedBy     sql.NullString
		appealedAt     sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.BookingID, &d.HoldID, &d.FiledBy, &d.FiledAgainst, &disputeType,
		&d.Description, &priority, &status, &resolutionType, &d.RefundAmount, &resolution, &adminNotes,
		&resolvedBy, &resolvedAt, &appealedBy, &appealedAt, &d.CreatedAt, &d.UpdatedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	d.Type = DisputeType(disputeType)
	d.Priority = Priority(priority)
	d.Status = DisputeStatus(status)
	d.ResolutionType = ResolutionType(resolutionType.String)
	d.Resolution = resolution.String
	d.AdminNotes = adminNotes.String
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.AppealedBy = appealedBy.String
	d.AppealedAt = timePtr(appealedAt)
	return d, nil
}

func activeStatusArray() any {
	s := make([]string, len(ActiveDisputeStatuses))
	for i, st := range ActiveDisputeStatuses {
		s[i] = string(st)
	}
	return pq.Array(s)
}

func activeDispute(ctx context.Context, q querier, holdID string) (*Dispute, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_hold_id = $1 AND status = ANY($2)
		LIMIT 1`, holdID, activeStatusArray())
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, mapPgError(err)
}

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*EscrowHold, error) {
	return getHold(ctx, p.db, "id", "", id)
}

func (p *PostgresStore) GetHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error) {
	return getHold(ctx, p.db, "booking_id", "", bookingID)
}

func (p *PostgresStore) GetRefund(ctx context.Context, id string) (*Refund, error) {
	r, err := scanRefund(p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRefunds(ctx context.Context, holdID string) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE escrow_hold_id = $1
		ORDER BY created_at, id`, holdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRefunds(rows)
}

func (p *PostgresStore) ListPendingRefunds(ctx context.Context, limit int) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRefunds(rows)
}

func (p *PostgresStore) GetWalletTransaction(ctx context.Context, id string) (*WalletTransaction, error) {
	wt, err := scanWalletTx(p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallet_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return wt, err
}

func (p *PostgresStore) ListWalletTransactions(ctx context.Context, holdID string) ([]*WalletTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallet_transactions
		WHERE escrow_hold_id = $1
		ORDER BY seq`, holdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWalletTxs(rows)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

// whereBuilder accumulates AND-ed predicates with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) cursor(c *pagination.Cursor) {
	if c != nil {
		w.add("(created_at, id) < (?, ?)", c.CreatedAt, c.ID)
	}
}

func (p *PostgresStore) ListDisputes(ctx context.Context, f DisputeFilter) ([]*Dispute, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var w whereBuilder
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Priority != "" {
		w.add("priority = ?", string(f.Priority))
	}
	if f.HoldID != "" {
		w.add("escrow_hold_id = ?", f.HoldID)
	}
	w.cursor(cursor)
	w.args = append(w.args, limitOrAll(f.Limit))

	rows, err := p.db.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes`+w.sql()+
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(w.args)), w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ActiveDispute(ctx context.Context, holdID string) (*Dispute, error) {
	return activeDispute(ctx, p.db, holdID)
}

func (p *PostgresStore) GetBookingStatus(ctx context.Context, bookingID string) (*BookingStatus, error) {
	b := &BookingStatus{}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT booking_id, status, updated_at FROM booking_statuses WHERE booking_id = $1`, bookingID).
		Scan(&b.BookingID, &status, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = BookingState(status)
	return b, nil
}

func (p *PostgresStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var w whereBuilder
	if q.TargetType != "" {
		w.add("target_type = ?", q.TargetType)
	}
	if q.TargetID != "" {
		w.add("target_id = ?", q.TargetID)
	}
	if q.ActorID != "" {
		w.add("actor_id = ?", q.ActorID)
	}
	w.cursor(cursor)
	w.args = append(w.args, limitOrAll(q.Limit))

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_role, action, target_type, target_id, before_status,
		       after_status, amount, detail, request_id, created_at
		FROM audit_log`+w.sql()+
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(w.args)), w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var role string
		var before, after, detail, requestID sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &role, &e.Action, &e.TargetType, &e.TargetID,
			&before, &after, &e.Amount, &detail, &requestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorRole = Role(role)
		e.BeforeStatus = before.String
		e.AfterStatus = after.String
		e.Detail = detail.String
		e.RequestID = requestID.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ClaimExpired(ctx context.Context, now, claimUntil time.Time, owner string, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE escrow_holds SET claimed_by = $1, claimed_until = $2
		WHERE id IN (
			SELECT h.id FROM escrow_holds h
			WHERE h.status = 'held'
			  AND h.expires_at <= $3
			  AND (h.claimed_until IS NULL OR h.claimed_until < $3)
			  AND NOT EXISTS (
				SELECT 1 FROM disputes d
				WHERE d.escrow_hold_id = h.id AND d.status = ANY($4))
			ORDER BY h.expires_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED)
		RETURNING id`, owner, claimUntil, now, activeStatusArray(), limitOrAll(limit))
	if err != nil {
		return nil, mapPgError(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) RecordTransfer(ctx context.Context, id string, u TransferUpdate) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_transactions SET
			transfer_status = $1,
			transfer_ref = COALESCE(NULLIF($2, ''), transfer_ref),
			last_error = $3,
			next_attempt_at = $4,
			transfer_attempts = transfer_attempts + 1
		WHERE id = $5`,
		string(u.Status), u.Ref, nullString(u.Error), nullTimePtr(u.NextAttemptAt), id)
	if err != nil {
		return mapPgError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListTransfersDue(ctx context.Context, now time.Time, limit int) ([]*WalletTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallet_transactions
		WHERE transfer_status IN ('pending', 'failed') AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWalletTxs(rows)
}

func (p *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, aggregate_id, payload, created_at FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.AggregateID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET published_at = $1
		WHERE id = ANY($2) AND published_at IS NULL`, at, pq.Array(ids))
	return err
}

// pgTx is the write side of PostgresStore.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockHold(ctx context.Context, id string) (*EscrowHold, error) {
	return getHold(ctx, t.tx, "id", " FOR UPDATE", id)
}

func (t *pgTx) LockHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error) {
	return getHold(ctx, t.tx, "booking_id", " FOR UPDATE", bookingID)
}

func (t *pgTx) InsertHold(ctx context.Context, h *EscrowHold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		h.ID, h.BookingID, h.CustomerID, h.ProviderID, h.Amount, h.PlatformFee, h.ProviderPayout,
		h.FeeRate, string(h.Status), nullString(h.PaymentRef), nullString(h.PayoutAccount),
		h.HeldAt, h.ExpiresAt, nullTimePtr(h.ReleasedAt),
		h.Version, nullString(h.ClaimedBy), nullTimePtr(h.ClaimedUntil), h.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) UpdateHold(ctx context.Context, h *EscrowHold) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_holds SET
			status = $1, released_at = $2, claimed_by = $3, claimed_until = $4,
			updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		string(h.Status), nullTimePtr(h.ReleasedAt), nullString(h.ClaimedBy), nullTimePtr(h.ClaimedUntil),
		h.UpdatedAt, h.ID, h.Version,
	)
	if err != nil {
		return mapPgError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	h.Version++
	return nil
}

func (t *pgTx) CompletedRefundTotal(ctx context.Context, holdID string) (money.Amount, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE escrow_hold_id = $1 AND status = 'completed'`, holdID).Scan(&total)
	if err != nil {
		return 0, mapPgError(err)
	}
	return money.Amount(total), nil
}

func (t *pgTx) InsertRefund(ctx context.Context, r *Refund) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`,
		r.ID, r.BookingID, r.HoldID, nullString(r.DisputeID), r.Amount, r.Reason, string(r.Status),
		r.RequestedBy, nullString(r.ApprovedBy), nullString(r.Notes), r.CreatedAt, r.UpdatedAt,
		nullTimePtr(r.CompletedAt),
	)
	return mapPgError(err)
}

func (t *pgTx) LockRefund(ctx context.Context, id string) (*Refund, error) {
	r, err := scanRefund(t.tx.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return r, mapPgError(err)
}

func (t *pgTx) LockPendingRefunds(ctx context.Context, holdID string) ([]*Refund, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE escrow_hold_id = $1 AND status = 'pending'
		ORDER BY created_at, id
		FOR UPDATE`, holdID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	refunds, err := scanRefunds(rows)
	return refunds, mapPgError(err)
}

func (t *pgTx) UpdateRefund(ctx context.Context, r *Refund) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE refunds SET
			status = $1, approved_by = $2, notes = $3, updated_at = $4, completed_at = $5
		WHERE id = $6`,
		string(r.Status), nullString(r.ApprovedBy), nullString(r.Notes), r.UpdatedAt,
		nullTimePtr(r.CompletedAt), r.ID,
	)
	if err != nil {
		return mapPgError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (t *pgTx) InsertWalletTransaction(ctx context.Context, wt *WalletTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+walletColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)`,
		wt.ID, wt.UserID, wt.HoldID, nullString(wt.RefundID), string(wt.Type), wt.Amount,
		string(wt.TransferStatus), nullString(wt.TransferRef), wt.TransferAttempts,
		nullTimePtr(wt.NextAttemptAt), nullString(wt.LastError), wt.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) ActiveDispute(ctx context.Context, holdID string) (*Dispute, error) {
	return activeDispute(ctx, t.tx, holdID)
}

func (t *pgTx) LockDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, mapPgError(err)
}

func (t *pgTx) InsertDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`,
		d.ID, d.BookingID, d.HoldID, d.FiledBy, d.FiledAgainst, string(d.Type),
		d.Description, string(d.Priority), string(d.Status), nullString(string(d.ResolutionType)),
		d.RefundAmount, nullString(d.Resolution), nullString(d.AdminNotes),
		nullString(d.ResolvedBy), nullTimePtr(d.ResolvedAt), nullString(d.AppealedBy), nullTimePtr(d.AppealedAt),
		d.CreatedAt, d.UpdatedAt, d.Version,
	)
	return mapPgError(err)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, priority = $2, resolution_type = $3, refund_amount = $4,
			resolution = $5, admin_notes = $6, resolved_by = $7, resolved_at = $8,
			appealed_by = $9, appealed_at = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		string(d.Status), string(d.Priority), nullString(string(d.ResolutionType)), d.RefundAmount,
		nullString(d.Resolution), nullString(d.AdminNotes), nullString(d.ResolvedBy), nullTimePtr(d.ResolvedAt),
		nullString(d.AppealedBy), nullTimePtr(d.AppealedAt), d.UpdatedAt, d.ID, d.Version,
	)
	if err != nil {
		return mapPgError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	d.Version++
	return nil
}

func (t *pgTx) SetBookingStatus(ctx context.Context, bookingID string, status BookingState, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO booking_statuses (booking_id, status, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (booking_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		bookingID, string(status), at)
	return mapPgError(err)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, actor_id, actor_role, action, target_type, target_id, before_status,
			after_status, amount, detail, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.ActorID, string(e.ActorRole), e.Action, e.TargetType, e.TargetID,
		nullString(e.BeforeStatus), nullString(e.AfterStatus), e.Amount,
		nullString(e.Detail), nullString(e.RequestID), e.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) Enqueue(ctx context.Context, e *Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Type, e.AggregateID, string(e.Payload), e.CreatedAt)
	return mapPgError(err)
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL returns every row
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
