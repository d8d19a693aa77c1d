// Package handler implements the HTTP endpoints of the index API: record
// writes and reads, attribute queries, rebuilds, and API key management.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nabulines/nabulines/internal/auth/apikey"
	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/internal/rebuildlog"
	"github.com/nabulines/nabulines/internal/schema"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
	"github.com/nabulines/nabulines/pkg/logger"
)

const (
	maxBodyBytes = 1 << 20
	defaultTopN  = 10
)

// KeyManager creates and lists API keys.
type KeyManager interface {
	CreateKey(ctx context.Context, name string, role apikey.Role, rateLimit int, expiresAt *time.Time) (string, error)
	ListKeys(ctx context.Context) ([]apikey.KeyInfo, error)
}

// RebuildHistory stores rebuild and verify reports.
type RebuildHistory interface {
	Save(ctx context.Context, report *index.RebuildReport) (int64, error)
	List(ctx context.Context, limit int) ([]rebuildlog.Run, error)
	Latest(ctx context.Context, entityType string) (*rebuildlog.Run, error)
}

// Handler implements the index API's HTTP endpoints.
type Handler struct {
	manager          *index.Manager
	keys             KeyManager
	history          RebuildHistory
	defaultRateLimit int
	logger           *slog.Logger
}

// New creates a Handler. keys and history may be nil, in which case the
// endpoints that need them answer 503.
func New(manager *index.Manager, keys KeyManager, history RebuildHistory, defaultRateLimit int) *Handler {
	if defaultRateLimit <= 0 {
		defaultRateLimit = 100
	}
	return &Handler{
		manager:          manager,
		keys:             keys,
		history:          history,
		defaultRateLimit: defaultRateLimit,
		logger:           slog.Default().With("component", "api-handler"),
	}
}

// ---------- Records ----------

// PutRecord creates or replaces the record at {type}/{id}.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	attrs, ok := h.decodeAttributes(w, r)
	if !ok {
		return
	}
	rec, err := h.manager.Put(r.Context(), r.PathValue("type"), r.PathValue("id"), attrs)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// CreateRecord stores a new record under a generated id.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	attrs, ok := h.decodeAttributes(w, r)
	if !ok {
		return
	}
	rec, err := h.manager.Put(r.Context(), r.PathValue("type"), uuid.NewString(), attrs)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/records/"+rec.Type+"/"+rec.ID)
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Get(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// UpdateAttribute moves a record between index entries. The body carries the
// caller's view of the previous value and the new one: {"old": .., "new": ..}.
func (h *Handler) UpdateAttribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Old any `json:"old"`
		New any `json:"new"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	err := h.manager.UpdateAttribute(r.Context(), r.PathValue("type"), r.PathValue("id"), r.PathValue("attr"), req.Old, req.New)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Remove(r.Context(), r.PathValue("type"), r.PathValue("id")); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryRecords answers ?attr=&value= with matching ids, or with the records
// themselves when resolve=true.
func (h *Handler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")
	q := r.URL.Query()
	attr := q.Get("attr")
	if attr == "" {
		h.writeError(w, http.StatusBadRequest, "attr is required")
		return
	}
	values := q["value"]
	if len(values) == 0 {
		h.writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	var value any = values[0]
	if len(values) > 1 {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		value = list
	}

	if resolve, _ := strconv.ParseBool(q.Get("resolve")); resolve {
		recs, err := h.manager.Lookup(r.Context(), entityType, attr, value)
		if err != nil {
			h.writeAppError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
		return
	}

	ids, err := h.manager.QueryByAttribute(r.Context(), entityType, attr, value)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "count": len(ids)})
}

// QueryRange answers ?attr=&min=&max= on an ordered attribute. A missing
// bound is open.
func (h *Handler) QueryRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	min, err := parseBound(q.Get("min"), math.Inf(-1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "min must be a number")
		return
	}
	max, err := parseBound(q.Get("max"), math.Inf(1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "max must be a number")
		return
	}
	ids, err := h.manager.QueryByRange(r.Context(), r.PathValue("type"), q.Get("attr"), min, max)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "count": len(ids)})
}

func (h *Handler) Top(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := defaultTopN
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "n must be an integer")
			return
		}
		n = parsed
	}
	top, err := h.manager.Top(r.Context(), r.PathValue("type"), q.Get("attr"), n)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": top, "count": len(top)})
}

// ListTypes describes every registered entity type and its indexes.
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	type fieldView struct {
		Name      string `json:"name"`
		Kind      string `json:"kind"`
		Required  bool   `json:"required"`
		Index     string `json:"index,omitempty"`
		IndexKind string `json:"index_kind,omitempty"`
		Folded    bool   `json:"folded,omitempty"`
	}
	type typeView struct {
		Type   string      `json:"type"`
		Fields []fieldView `json:"fields"`
	}

	reg := h.manager.Registry()
	types := make([]typeView, 0)
	for _, t := range reg.Types() {
		s, _ := reg.Get(t)
		tv := typeView{Type: t, Fields: make([]fieldView, 0, len(s.Fields))}
		for _, f := range s.Fields {
			fv := fieldView{Name: f.Name, Kind: string(f.Kind), Required: f.Required}
			if f.Index != nil {
				fv.Index = f.Index.Name
				fv.IndexKind = string(f.Index.Kind)
				fv.Folded = f.Index.Fold
			}
			tv.Fields = append(tv.Fields, fv)
		}
		types = append(types, tv)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

// ---------- Admin handlers ----------

// Rebuild reconciles the indexes of {type}, or of every type when the path
// has none. With dry_run=true it only reports drift.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	entityType := r.PathValue("type")

	var reports []*index.RebuildReport
	var err error
	switch {
	case entityType == "" && dryRun:
		reports, err = h.manager.VerifyAll(r.Context())
	case entityType == "":
		reports, err = h.manager.RebuildAll(r.Context())
	case dryRun:
		var rep *index.RebuildReport
		rep, err = h.manager.Verify(r.Context(), entityType)
		reports = []*index.RebuildReport{rep}
	default:
		var rep *index.RebuildReport
		rep, err = h.manager.Rebuild(r.Context(), entityType)
		reports = []*index.RebuildReport{rep}
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	runIDs := make([]int64, 0, len(reports))
	drift := 0
	for _, rep := range reports {
		drift += rep.Drift()
		if h.history == nil {
			continue
		}
		id, err := h.history.Save(r.Context(), rep)
		if err != nil {
			logger.FromContext(r.Context()).Warn("failed to record rebuild run", "entity_type", rep.EntityType, "error", err)
			continue
		}
		runIDs = append(runIDs, id)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"drift":   drift,
		"run_ids": runIDs,
	})
}

// ListRebuilds returns the most recent rebuild and verify runs.
func (h *Handler) ListRebuilds(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusServiceUnavailable, "rebuild history is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	runs, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list rebuild runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list rebuild runs")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// LatestRebuild returns the most recent run for one entity type.
func (h *Handler) LatestRebuild(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusServiceUnavailable, "rebuild history is not configured")
		return
	}
	entityType := r.PathValue("type")
	run, err := h.history.Latest(r.Context(), entityType)
	if err != nil {
		h.logger.Error("failed to load latest rebuild run", "entity_type", entityType, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load rebuild history")
		return
	}
	if run == nil {
		h.writeError(w, http.StatusNotFound, "no rebuild run recorded for "+entityType)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// CreateAPIKey creates a new API key and returns the raw key (shown once).
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		h.writeError(w, http.StatusServiceUnavailable, "api keys are not configured")
		return
	}
	var req struct {
		Name      string `json:"name"`
		Role      string `json:"role"`
		RateLimit int    `json:"rate_limit"`
		ExpiresIn string `json:"expires_in,omitempty"` // Go duration, e.g. "720h"
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Role == "" {
		req.Role = string(apikey.RoleReader)
	}
	role, err := apikey.ParseRole(req.Role)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RateLimit <= 0 {
		req.RateLimit = h.defaultRateLimit
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid expires_in duration")
			return
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	key, err := h.keys.CreateKey(r.Context(), req.Name, role, req.RateLimit, expiresAt)
	if err != nil {
		h.logger.Error("failed to create api key", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"api_key": key,
		"name":    req.Name,
		"role":    string(role),
		"message": "store this key securely, it cannot be retrieved again",
	})
}

// ListAPIKeys returns all active API keys (without hashes).
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		h.writeError(w, http.StatusServiceUnavailable, "api keys are not configured")
		return
	}
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		h.logger.Error("failed to list api keys", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// ---------- Helpers ----------

func (h *Handler) decodeAttributes(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var attrs map[string]any
	if !h.decodeBody(w, r, &attrs) {
		return nil, false
	}
	if attrs == nil {
		h.writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return attrs, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseBound(raw string, open float64) (float64, error) {
	if raw == "" {
		return open, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// writeAppError maps a manager error onto a status code and body. Client
// errors carry their message; server errors are logged and summarized.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	body := map[string]any{"error": err.Error()}

	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		body["error"] = "validation failed"
		body["fields"] = verr.Fields
	}

	switch {
	case errors.Is(err, index.ErrPartialWrite):
		body["error"] = "store failed part way through the write; indexes may be out of date until the next rebuild"
		body["drift"] = true
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		body["error"] = "store unavailable"
	case errors.Is(err, apperrors.ErrTimeout):
		body["error"] = "request timeout"
	case status >= http.StatusInternalServerError:
		body["error"] = "internal error"
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
