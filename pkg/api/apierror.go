// Package api carries the HTTP plumbing shared by every route: RFC
// 7807 error responses, the domain error to status mapping, per-IP
// rate limiting, idempotency replay, and request schema validation.
// Route handlers live in pkg/server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request that produced this response.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://bequest.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from the request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://bequest.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteDomainError maps a plan lifecycle error to its HTTP status and
// writes the RFC 7807 response. Unrecognized errors become sanitized
// 500s.
//
// The 401 case is absent: missing or invalid credentials are rejected
// by the auth middleware before a handler runs, so an ErrUnauthorized
// reaching this point is a membership or role failure, which is 403.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case plan.IsValidation(err):
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid Plan", err.Error())
	case errors.Is(err, plan.ErrUnauthorized):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, plan.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, plan.ErrAlreadyReleased):
		WriteErrorR(w, r, http.StatusConflict, "Already Released", err.Error())
	case errors.Is(err, plan.ErrReleaseInProgress):
		WriteErrorR(w, r, http.StatusConflict, "Release In Progress", err.Error())
	case errors.Is(err, plan.ErrExecutorMissing):
		WriteErrorR(w, r, http.StatusConflict, "Executor Missing", err.Error())
	case errors.Is(err, plan.ErrNotYetEligible):
		WriteErrorR(w, r, http.StatusTooEarly, "Not Yet Eligible", err.Error())
	case errors.Is(err, plan.ErrExecutorCallFailed):
		WriteErrorR(w, r, http.StatusBadGateway, "Executor Call Failed", err.Error())
	default:
		WriteInternal(w, err)
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. The err parameter is
// logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
