package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/ledger"
)

func TestWebhookPublisher_SignsAndDelivers(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newEvent(t, ledger.EventHoldReleased, "esc_1", map[string]string{"bookingId": "bk_1"},
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p := NewWebhookPublisher(srv.URL, "whsec_test", srv.Client())
	require.NoError(t, p.Publish(context.Background(), e))

	assert.Equal(t, ledger.EventHoldReleased, gotHeaders.Get(HeaderEvent))
	assert.Equal(t, e.ID, gotHeaders.Get(HeaderDelivery))
	assert.Equal(t, "1772366400", gotHeaders.Get(HeaderTimestamp))
	assert.Equal(t, Sign(gotBody, "whsec_test"), gotHeaders.Get(HeaderSignature))

	var decoded ledger.Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "esc_1", decoded.AggregateID)
	assert.JSONEq(t, `{"bookingId":"bk_1"}`, string(decoded.Payload))
}

func TestWebhookPublisher_NoSecretNoSignature(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "", nil)
	require.NoError(t, p.Publish(context.Background(), newEvent(t, ledger.EventHoldCreated, "esc_1", nil, time.Now())))
	assert.Empty(t, signature)
}

func TestWebhookPublisher_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "s", nil)
	err := p.Publish(context.Background(), newEvent(t, ledger.EventHoldCreated, "esc_1", nil, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestSign_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	assert.Equal(t,
		"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		Sign([]byte("what do ya want for nothing?"), "Jefe"))
}

func TestFanout_StopsAtFirstFailure(t *testing.T) {
	first := &recordingPublisher{}
	failing := &recordingPublisher{failAt: 1}
	last := &recordingPublisher{}
	f := Fanout{first, failing, last}

	err := f.Publish(context.Background(), newEvent(t, ledger.EventHoldCreated, "esc_1", nil, time.Now()))
	require.Error(t, err)
	assert.Equal(t, []string{ledger.EventHoldCreated}, first.types)
	assert.Empty(t, last.types)
	assert.NoError(t, f.Close())
}
