package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/zerogate/gateway/pkg/correlation"
	"github.com/zerogate/gateway/pkg/identity"
	"github.com/zerogate/gateway/pkg/metrics"
	"github.com/zerogate/gateway/pkg/proxy"
	"github.com/zerogate/gateway/pkg/run"
	"github.com/zerogate/gateway/pkg/sse"
)

// maxBodyBytes bounds request bodies read into memory, matching the
// teacher's defensive posture around untrusted request sizes.
const maxBodyBytes = 1 << 20

// Deps wires every component this HTTP layer needs. ReadyCheck reports
// whether the backing store is reachable, for /ready (spec.md §6).
type Deps struct {
	Identity   *identity.Service
	Pipeline   *proxy.Pipeline
	Runs       *run.Store
	SSE        *sse.Broker
	Metrics    *metrics.Metrics
	Version    string
	ReadyCheck func() error
}

// NewRouter builds the gateway's gorilla/mux router for every path in
// spec.md §6 plus the [ADD] /api/runs operational endpoint.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(correlationMiddleware)

	r.HandleFunc("/api/create-agent", d.createAgent).Methods(http.MethodPost)
	r.HandleFunc("/api/generate-token", d.generateToken).Methods(http.MethodPost)
	r.HandleFunc("/api/proxy-request", d.proxyRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/runs", d.createRun).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{id}/logs/stream", d.streamRunLogs).Methods(http.MethodGet)
	r.HandleFunc("/health", d.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", d.ready).Methods(http.MethodGet)
	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)

	return r
}

// correlationMiddleware assigns or propagates X-Correlation-Id on every
// request and echoes it on every response (spec.md §6).
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, r2 := correlation.FromRequest(r)
		w.Header().Set(correlation.Header, id)
		next.ServeHTTP(w, r2)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type createAgentRequest struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedBy string `json:"created_by"`
}

func (d Deps) createAgent(w http.ResponseWriter, r *http.Request) {
	correlationID := correlation.FromContext(r.Context())

	var req createAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, correlationID, "malformed request body")
		return
	}

	res, err := d.Identity.RegisterAgent(r.Context(), req.Name, req.Role, req.CreatedBy)
	if err != nil {
		writeBadRequest(w, r, correlationID, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":    res.AgentID,
		"private_key": res.PrivateKey,
	})
}

type generateTokenRequest struct {
	AgentID     string    `json:"agent_id"`
	Tools       []string  `json:"tools"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (d Deps) generateToken(w http.ResponseWriter, r *http.Request) {
	correlationID := correlation.FromContext(r.Context())

	var req generateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, correlationID, "malformed request body")
		return
	}

	token, err := d.Identity.IssueToken(r.Context(), req.AgentID, req.Tools, req.Permissions, req.ExpiresAt)
	if err != nil {
		writeIdentityError(w, r, correlationID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

type proxyRequestBody struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (d Deps) proxyRequest(w http.ResponseWriter, r *http.Request) {
	correlationID := correlation.FromContext(r.Context())

	token := bearerToken(r)
	if token == "" {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "missing bearer token", "invalid_token", correlationID)
		return
	}

	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, r, correlationID, "request body too large or unreadable")
		return
	}

	var body proxyRequestBody
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			writeBadRequest(w, r, correlationID, "malformed request body")
			return
		}
	}

	result, err := d.Pipeline.Execute(r.Context(), proxy.Request{
		Token:          token,
		Tool:           body.Tool,
		Action:         body.Action,
		Params:         body.Params,
		TargetHost:     targetHostFromParams(body.Params),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RawBody:        rawBody,
		CorrelationID:  correlationID,
	})
	if err != nil {
		writeProxyError(w, r, correlationID, err)
		return
	}

	if result.RotationRecommended {
		w.Header().Set("X-Token-Rotation-Recommended", "true")
		w.Header().Set("X-Token-Expires-At", result.TokenExpiresAt.UTC().Format(time.RFC3339))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// createRun is the [ADD] POST /api/runs endpoint: it allocates a Run so a
// caller can open the log stream before the first proxy call lands.
func (d Deps) createRun(w http.ResponseWriter, r *http.Request) {
	newRun := d.Runs.Create(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{"id": newRun.ID, "state": newRun.State})
}

// streamRunLogs serves the SSE stream of spec.md §6, resumable via
// Last-Event-Id and heartbeating at most every sse.HeartbeatInterval.
func (d Deps) streamRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	correlationID := correlation.FromContext(r.Context())

	var lastEventID int64
	if v := r.Header.Get("Last-Event-Id"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	replay, live, unsubscribe, err := d.SSE.Subscribe(r.Context(), runID, lastEventID)
	if err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", err.Error(), "internal", correlationID)
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternal(w, r, correlationID, fmt.Errorf("httpapi: response writer does not support flushing"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range replay {
		writeSSEEvent(w, ev.ID, ev.Kind, ev.Data)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			writeSSEEvent(w, ev.ID, ev.Kind, ev.Data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, id int64, kind, data string) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, kind, data)
}

func (d Deps) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": d.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (d Deps) ready(w http.ResponseWriter, r *http.Request) {
	correlationID := correlation.FromContext(r.Context())
	if d.ReadyCheck != nil {
		if err := d.ReadyCheck(); err != nil {
			writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", err.Error(), "internal", correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// targetHostFromParams extracts the network-bound target host from a
// proxy-request's params, so the policy engine's allowedDomains guard
// (pkg/policy/policy.go) has something to check for tools like http_fetch
// that take a "url" param. Tools with no "url" param yield an empty host,
// which the guard treats as not applicable.
func targetHostFromParams(params map[string]any) string {
	raw, ok := params["url"]
	if !ok {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeIdentityError maps a registration/issuance error to a Problem
// Detail response. identity.ValidationError carries the stable reason the
// same way proxy.Error does for proxy-path failures.
func writeIdentityError(w http.ResponseWriter, r *http.Request, correlationID string, err error) {
	var ve *identity.ValidationError
	if errors.As(err, &ve) {
		status := http.StatusBadRequest
		if ve.Reason == identity.ReasonUnknownAgent || ve.Reason == identity.ReasonDisabled {
			status = http.StatusForbidden
		}
		writeProblem(w, r, status, http.StatusText(status), ve.Error(), ve.Reason, correlationID)
		return
	}
	writeBadRequest(w, r, correlationID, err.Error())
}
