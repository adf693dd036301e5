// Package httpapi implements the gateway's HTTP surface (spec.md §6):
// routing, RFC 7807 problem responses, auth/idempotency extraction, and the
// handlers for agent registration, token issuance, proxying, health,
// metrics, and run/log streaming. Grounded on the teacher's
// pkg/api/apierror.go Problem Detail convention.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zerogate/gateway/pkg/proxy"
)

// ProblemDetail implements RFC 7807. Every error response from this API
// uses this shape; correlation_id is the superset field spec.md §7's
// {error, reason, correlation_id} contract maps onto (title/detail carry
// "error"; reason carries the stable machine Kind, except that a policy
// denial reports its deny reason, such as no_scope, with the Kind in detail).
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// writeProblem writes an RFC 7807 application/problem+json response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, reason, correlationID string) {
	problem := &ProblemDetail{
		Type:          fmt.Sprintf("https://zerogate.dev/errors/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		Reason:        reason,
		CorrelationID: correlationID,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, correlationID, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail, "bad_request", correlationID)
}

func writeInternal(w http.ResponseWriter, r *http.Request, correlationID string, err error) {
	slog.Error("internal server error", "error", err, "correlation_id", correlationID)
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred.", "internal", correlationID)
}

// writeProxyError maps a *proxy.Error (or any other error) to a Problem
// Detail response using the Kind's stable machine reason and HTTP status.
func writeProxyError(w http.ResponseWriter, r *http.Request, correlationID string, err error) {
	kind, status, detail := classify(err)
	if status == http.StatusTooManyRequests {
		// detail carries the RetryAfter duration string for 429s; surface it
		// as the Retry-After header too, per spec.md §6.
		w.Header().Set("Retry-After", retrySeconds(detail))
	}
	reason := string(kind)
	if kind == proxy.KindPolicyDenied && detail != "" {
		// A policy denial's detail is the policy's deny reason (no_scope,
		// domain_blocked, ...); report it as reason and the Kind as detail.
		reason, detail = detail, string(kind)
	}
	writeProblem(w, r, status, http.StatusText(status), detail, reason, correlationID)
}

// classify extracts a stable machine Kind, HTTP status, and detail string
// from a pipeline error. A non-*proxy.Error is an unexpected failure and
// maps to 500 internal without leaking its message to the client.
func classify(err error) (proxy.Kind, int, string) {
	var perr *proxy.Error
	if errors.As(err, &perr) {
		return perr.Kind, perr.Kind.HTTPStatus(), perr.Detail
	}
	slog.Error("unclassified pipeline error", "error", err)
	return proxy.KindInternal, http.StatusInternalServerError, "An unexpected error occurred."
}

// retrySeconds converts a Go duration string (e.g. "45s") into the integer
// seconds the Retry-After header requires; it falls back to "1" rather than
// omitting the header if parsing fails.
func retrySeconds(durationStr string) string {
	d, err := time.ParseDuration(durationStr)
	if err != nil || d <= 0 {
		return "1"
	}
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
