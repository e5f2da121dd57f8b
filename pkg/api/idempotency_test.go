package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyMiddlewareReplaysCachedResponse(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)

	var hits int
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"hit":%d}`, hits)
	}))

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/v1/plans", strings.NewReader(`{}`))
		r.Header.Set("Idempotency-Key", "key-1")
		return r
	}

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req())
	assert.Equal(t, http.StatusCreated, w1.Code)
	assert.Equal(t, `{"hit":1}`, w1.Body.String())

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req())
	assert.Equal(t, http.StatusCreated, w2.Code)
	assert.Equal(t, `{"hit":1}`, w2.Body.String(), "second request must replay, not re-execute")
	assert.Equal(t, "true", w2.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, 1, hits)
}

func TestIdempotencyMiddlewareDistinguishesKeys(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)

	var hits int
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	for _, key := range []string{"key-a", "key-b"} {
		r := httptest.NewRequest("POST", "/v1/plans", nil)
		r.Header.Set("Idempotency-Key", key)
		handler.ServeHTTP(httptest.NewRecorder(), r)
	}
	assert.Equal(t, 2, hits)
}

func TestIdempotencyMiddlewareScopesKeyToEndpoint(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)

	var hits int
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/v1/plans/1/approvals", "/v1/plans/2/approvals"} {
		r := httptest.NewRequest("POST", path, nil)
		r.Header.Set("Idempotency-Key", "shared-key")
		handler.ServeHTTP(httptest.NewRecorder(), r)
	}
	assert.Equal(t, 2, hits, "the same key on different endpoints must not replay")
}

func TestIdempotencyMiddlewareSkipsWithoutKey(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)

	var hits int
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/plans", nil))
	}
	assert.Equal(t, 2, hits)
}

func TestIdempotencyMiddlewareDoesNotCacheFailures(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)

	var hits int
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			WriteConflict(w, "already released")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/v1/plans/1/release-checks", nil)
		r.Header.Set("Idempotency-Key", "retry-1")
		return r
	}

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req())
	assert.Equal(t, http.StatusConflict, w1.Code)

	// Failure was not cached, so the retry reaches the handler.
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req())
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, 2, hits)
}

func TestIdempotencyMiddlewareIgnoresReads(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)

	var hits int
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest("GET", "/v1/plans/1", nil)
		r.Header.Set("Idempotency-Key", "read-key")
		handler.ServeHTTP(httptest.NewRecorder(), r)
	}
	assert.Equal(t, 2, hits)
}
