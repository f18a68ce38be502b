package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Escrowd-Event"
	HeaderDelivery  = "X-Escrowd-Delivery"
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"
)

// WebhookPublisher POSTs each event as JSON to one endpoint. When a secret
// is set the body is signed with HMAC-SHA256 (hex) in HeaderSignature.
type WebhookPublisher struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookPublisher creates a publisher for url. A nil client gets a
// 10 second timeout.
func NewWebhookPublisher(url, secret string, client *http.Client) *WebhookPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPublisher{url: url, secret: secret, client: client}
}

// Publish delivers e and succeeds only on a 2xx response.
func (p *WebhookPublisher) Publish(ctx context.Context, e *ledger.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, e.Type)
	req.Header.Set(HeaderDelivery, e.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(e.CreatedAt.Unix(), 10))
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", e.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", e.ID, resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Close() error { return nil }

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Fanout publishes every event to each publisher in order. An event counts
// as published only when all of them accept it; consumers deduplicate the
// redeliveries this causes on the event id.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e *ledger.Event) error {
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = (*WebhookPublisher)(nil)
	_ Publisher = Fanout(nil)
)
