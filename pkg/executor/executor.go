// Package executor holds the adapters that signal an external estate
// executor when a plan releases. Adapters only signal: payouts, asset
// transfers, and their verification are the executor's business, not
// the engine's. No adapter retries; the release coordinator treats a
// failed call as a failed release and rolls the latch back.
package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bequest-labs/bequest/pkg/crypto"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Bequest-Signature"

// WebhookClient signals release by POSTing to an operator-configured
// endpoint. With a master secret present the body is HMAC-signed with
// a key derived for webhook use, so the receiver can authenticate the
// engine without sharing the master.
type WebhookClient struct {
	url    string
	key    []byte
	client *http.Client
	logger *slog.Logger
}

// NewWebhookClient builds a client for url. master may be empty, in
// which case requests go out unsigned.
func NewWebhookClient(url string, master []byte, timeout time.Duration) (*WebhookClient, error) {
	if url == "" {
		return nil, fmt.Errorf("executor: webhook url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &WebhookClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "executor"),
	}
	if len(master) > 0 {
		key, err := crypto.DeriveKey(master, crypto.PurposeWebhookHMAC, 32)
		if err != nil {
			return nil, fmt.Errorf("executor: deriving webhook key: %w", err)
		}
		c.key = key
	} else {
		c.logger.Warn("webhook signing disabled, no master secret configured")
	}
	return c, nil
}

// Release delivers the release signal for id. One attempt, no
// retries. Any non-2xx response is an error.
func (c *WebhookClient) Release(ctx context.Context, id plan.ID) error {
	body, err := json.Marshal(map[string]any{"plan_id": id})
	if err != nil {
		return fmt.Errorf("executor: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != nil {
		req.Header.Set(SignatureHeader, SignBody(c.key, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor: webhook call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("executor: webhook returned %d", resp.StatusCode)
	}
	c.logger.Info("release signal delivered", "plan_id", id, "status", resp.StatusCode)
	return nil
}

// SignBody computes the signature header value for body under key.
// Receivers recompute it and compare with hmac.Equal.
func SignBody(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody reports whether sig is the valid signature of body.
func VerifyBody(key, body []byte, sig string) bool {
	return hmac.Equal([]byte(SignBody(key, body)), []byte(sig))
}
