package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/expiry"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/reconciliation"
)

type fakeExpiry struct{ res expiry.Result }

func (f *fakeExpiry) RunOnce(context.Context) (expiry.Result, error) { return f.res, nil }

type fakeRetrier struct {
	retried []string
	err     error
}

func (f *fakeRetrier) RetryDue(context.Context) (reconciliation.Result, error) {
	return reconciliation.Result{Due: 2, Sent: 1, Failed: 1}, nil
}

func (f *fakeRetrier) RetryTransfer(_ context.Context, id string) (*ledger.WalletTransaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.retried = append(f.retried, id)
	return &ledger.WalletTransaction{ID: id, TransferStatus: ledger.TransferSent}, nil
}

type fakeLister struct {
	gotNow   time.Time
	gotLimit int
}

func (f *fakeLister) ListTransfersDue(_ context.Context, now time.Time, limit int) ([]*ledger.WalletTransaction, error) {
	f.gotNow, f.gotLimit = now, limit
	return []*ledger.WalletTransaction{{ID: "wtx_1", Amount: money.MustParse("90.00"), TransferStatus: ledger.TransferFailed}}, nil
}

type fakeOutbox struct{ err error }

func (f *fakeOutbox) RunOnce(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1/admin"))
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestUnconfiguredServices(t *testing.T) {
	r := newRouter(NewHandler())
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/admin/expiry/run"},
		{http.MethodGet, "/v1/admin/transfers/due"},
		{http.MethodPost, "/v1/admin/transfers/wtx_1/retry"},
		{http.MethodPost, "/v1/admin/reconciliation/run"},
		{http.MethodPost, "/v1/admin/outbox/run"},
	} {
		w := serve(r, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestRunExpiry(t *testing.T) {
	r := newRouter(NewHandler().WithExpiry(&fakeExpiry{res: expiry.Result{Claimed: 4, Released: 3, Failed: 1}}))

	w := serve(r, http.MethodPost, "/v1/admin/expiry/run")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Result expiry.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, expiry.Result{Claimed: 4, Released: 3, Failed: 1}, body.Result)
}

func TestListDueTransfers(t *testing.T) {
	lister := &fakeLister{}
	h := NewHandler().WithReconciler(&fakeRetrier{}, lister)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }
	r := newRouter(h)

	w := serve(r, http.MethodGet, "/v1/admin/transfers/due?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fixed, lister.gotNow)
	assert.Equal(t, 5, lister.gotLimit)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"amount":"90.00"`)

	serve(r, http.MethodGet, "/v1/admin/transfers/due?limit=100000")
	assert.Equal(t, 100, lister.gotLimit, "out-of-range limit falls back to the default")
}

func TestRetryTransfer(t *testing.T) {
	retrier := &fakeRetrier{}
	r := newRouter(NewHandler().WithReconciler(retrier, &fakeLister{}))

	w := serve(r, http.MethodPost, "/v1/admin/transfers/wtx_1/retry")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"wtx_1"}, retrier.retried)

	w = serve(r, http.MethodPost, "/v1/admin/transfers/bad%20id/retry")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	retrier.err = ledger.ErrTransactionNotFound
	w = serve(r, http.MethodPost, "/v1/admin/transfers/wtx_2/retry")
	assert.Equal(t, http.StatusNotFound, w.Code)

	retrier.err = reconciliation.ErrNotTransferable
	w = serve(r, http.MethodPost, "/v1/admin/transfers/wtx_3/retry")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunReconciliation(t *testing.T) {
	r := newRouter(NewHandler().WithReconciler(&fakeRetrier{}, &fakeLister{}))

	w := serve(r, http.MethodPost, "/v1/admin/reconciliation/run")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"due":2`)
}

func TestFlushOutbox(t *testing.T) {
	outbox := &fakeOutbox{}
	r := newRouter(NewHandler().WithOutbox(outbox))

	w := serve(r, http.MethodPost, "/v1/admin/outbox/run")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"published":3`)

	outbox.err = errors.New("broker down")
	w = serve(r, http.MethodPost, "/v1/admin/outbox/run")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
