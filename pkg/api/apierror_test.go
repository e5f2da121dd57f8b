package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/plan"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteMethodNotAllowed(w)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/plans/7", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/v1/plans/7" {
		t.Fatalf("expected instance %q, got %q", "/v1/plans/7", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestWriteDomainError_StatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{plan.ErrShareSum, http.StatusBadRequest},
		{plan.ErrExecutorRequired, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", plan.ErrThresholdInvalid), http.StatusBadRequest},
		{plan.ErrUnauthorized, http.StatusForbidden},
		{plan.ErrNotFound, http.StatusNotFound},
		{plan.ErrAlreadyReleased, http.StatusConflict},
		{plan.ErrReleaseInProgress, http.StatusConflict},
		{plan.ErrExecutorMissing, http.StatusConflict},
		{plan.ErrNotYetEligible, http.StatusTooEarly},
		{fmt.Errorf("%w: %w", plan.ErrExecutorCallFailed, errors.New("dial tcp: refused")), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/v1/plans", nil)
		w := httptest.NewRecorder()
		api.WriteDomainError(w, req, tc.err)
		if w.Code != tc.status {
			t.Errorf("error %v: expected status %d, got %d", tc.err, tc.status, w.Code)
		}
	}
}

func TestWriteDomainError_NeverLeaksUnknownErrors(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/plans", nil)
	w := httptest.NewRecorder()
	api.WriteDomainError(w, req, errors.New("sql: secret dsn leaked"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Detail == "sql: secret dsn leaked" {
		t.Error("unknown error detail leaked to client")
	}
}
