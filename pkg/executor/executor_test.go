package executor_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bequest-labs/bequest/pkg/crypto"
	"github.com/bequest-labs/bequest/pkg/executor"
	"github.com/bequest-labs/bequest/pkg/release"
)

var (
	_ release.Executor = (*executor.WebhookClient)(nil)
	_ release.Executor = (*executor.WASMModule)(nil)
)

type capturedRequest struct {
	body      []byte
	signature string
	content   string
}

// webhookReceiver records deliveries and answers with a fixed status.
type webhookReceiver struct {
	mu     sync.Mutex
	status int
	got    []capturedRequest
}

func (r *webhookReceiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, capturedRequest{
			body:      body,
			signature: req.Header.Get(executor.SignatureHeader),
			content:   req.Header.Get("Content-Type"),
		})
		status := r.status
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *webhookReceiver) last(t *testing.T) capturedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.got)
	return r.got[len(r.got)-1]
}

func TestWebhookDeliversSignedRelease(t *testing.T) {
	recv := &webhookReceiver{status: http.StatusOK}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	master := []byte("master-secret-for-webhooks")
	c, err := executor.NewWebhookClient(srv.URL, master, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Release(context.Background(), 7))

	got := recv.last(t)
	assert.JSONEq(t, `{"plan_id": 7}`, string(got.body))
	assert.Equal(t, "application/json", got.content)
	require.NotEmpty(t, got.signature)

	// The receiver authenticates the engine by recomputing the HMAC
	// over the derived webhook key.
	key := deriveWebhookKey(t, master)
	assert.True(t, executor.VerifyBody(key, got.body, got.signature))
	assert.False(t, executor.VerifyBody(key, []byte(`{"plan_id": 8}`), got.signature))
}

func TestWebhookUnsignedWithoutMaster(t *testing.T) {
	recv := &webhookReceiver{status: http.StatusAccepted}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	c, err := executor.NewWebhookClient(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Release(context.Background(), 1))
	assert.Empty(t, recv.last(t).signature)
}

func TestWebhookNon2xxFails(t *testing.T) {
	recv := &webhookReceiver{status: http.StatusInternalServerError}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	c, err := executor.NewWebhookClient(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)

	err = c.Release(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookUnreachableEndpointFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := executor.NewWebhookClient(url, nil, time.Second)
	require.NoError(t, err)
	assert.Error(t, c.Release(context.Background(), 1))
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := executor.NewWebhookClient("", nil, time.Second)
	assert.Error(t, err)
}

func TestSignBody(t *testing.T) {
	key := []byte("k")
	body := []byte(`{"plan_id": 1}`)

	sig := executor.SignBody(key, body)
	assert.Equal(t, sig, executor.SignBody(key, body), "deterministic")
	assert.True(t, executor.VerifyBody(key, body, sig))
	assert.False(t, executor.VerifyBody([]byte("other"), body, sig))
	assert.False(t, executor.VerifyBody(key, body, "sha256=deadbeef"))
}

// deriveWebhookKey recomputes the client's signing key the way a
// webhook receiver would.
func deriveWebhookKey(t *testing.T, master []byte) []byte {
	t.Helper()
	key, err := crypto.DeriveKey(master, crypto.PurposeWebhookHMAC, 32)
	require.NoError(t, err)
	return key
}
