package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-viper/mapstructure/v2"

	apperrors "entitylink/internal/errors"
	"entitylink/internal/types"
)

// ResolveRequest is the body of POST /v1/resolve. Spec arrives as a raw map
// so that clients sending YAML-shaped keys decode the same way the schema
// loader does.
type ResolveRequest struct {
	Record types.FieldMap         `json:"record"`
	Spec   map[string]interface{} `json:"spec"`
}

// ChoiceRequest is the body of POST /v1/resolve/choice.
type ChoiceRequest struct {
	Record    types.FieldMap         `json:"record"`
	Spec      map[string]interface{} `json:"spec"`
	FieldPath string                 `json:"field_path"`
	ChosenID  string                 `json:"chosen_id"`
}

func (r *Router) handleResolve(w http.ResponseWriter, req *http.Request) {
	var body ResolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apperrors.NewValidationError("body", "invalid JSON", err.Error()))
		return
	}
	if len(body.Record) == 0 {
		writeError(w, apperrors.NewRequiredFieldError("record"))
		return
	}

	spec, err := decodeSpec(body.Spec)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := r.session.Resolve(req.Context(), body.Record, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleResolveChoice(w http.ResponseWriter, req *http.Request) {
	var body ChoiceRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apperrors.NewValidationError("body", "invalid JSON", err.Error()))
		return
	}
	if body.FieldPath == "" {
		writeError(w, apperrors.NewRequiredFieldError("field_path"))
		return
	}
	if body.ChosenID == "" {
		writeError(w, apperrors.NewRequiredFieldError("chosen_id"))
		return
	}

	spec, err := decodeSpec(body.Spec)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := r.session.ResolveChoice(req.Context(), body.Record, spec, body.FieldPath, body.ChosenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeSpec converts the raw request spec into a ResolveSpec, rejecting
// unknown keys so client typos surface as 400s instead of silently ignored
// fields.
func decodeSpec(raw map[string]interface{}) (*types.ResolveSpec, error) {
	if len(raw) == 0 {
		return nil, apperrors.NewRequiredFieldError("spec")
	}

	var spec types.ResolveSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &spec,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return nil, apperrors.NewInternalError("building spec decoder", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, apperrors.NewValidationError("spec", "malformed resolution spec", err.Error())
	}
	return &spec, nil
}

// HealthStatus is the /healthz response structure.
type HealthStatus struct {
	Status    string           `json:"status"`
	Server    string           `json:"server"`
	Version   string           `json:"version"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	System    SystemInfo       `json:"system"`
}

// Check is an individual backend health check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// SystemInfo carries process-level diagnostics.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	checks := map[string]Check{
		"record_store":   r.checkRecordStore(ctx),
		"semantic_index": r.checkSemanticIndex(ctx),
	}

	status := HealthStatus{
		Status:    overallStatus(checks),
		Server:    "entitylink",
		Version:   r.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
		},
	}

	statusCode := http.StatusOK
	if status.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, status)
}

func (r *Router) checkRecordStore(ctx context.Context) Check {
	start := time.Now()
	if err := r.store.HealthCheck(ctx); err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	return Check{Status: "healthy", Latency: time.Since(start).String()}
}

func (r *Router) checkSemanticIndex(ctx context.Context) Check {
	if r.index == nil {
		return Check{Status: "disabled", Message: "semantic index not configured"}
	}
	start := time.Now()
	if err := r.index.HealthCheck(ctx); err != nil {
		// Resolution degrades to textual search when the index is down,
		// so this is not a hard failure.
		return Check{Status: "degraded", Message: err.Error()}
	}
	return Check{Status: "healthy", Latency: time.Since(start).String()}
}

// overallStatus is unhealthy only when the record store is down; a degraded
// or disabled semantic index still serves traffic.
func overallStatus(checks map[string]Check) string {
	if checks["record_store"].Status != "healthy" {
		return "unhealthy"
	}
	if checks["semantic_index"].Status == "degraded" {
		return "degraded"
	}
	return "healthy"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	stdErr := apperrors.AsStandardError(err)
	if traceID := w.Header().Get("X-Trace-ID"); traceID != "" {
		stdErr = stdErr.WithTraceID(traceID)
	}
	stdErr.WriteHTTPError(w)
}
