// Package handlers exposes the broker over HTTP: the Gemini-compatible
// generate endpoints, the model list, credential administration and health.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/executor"
	"github.com/Yoo1tic/pollux/internal/ctxkeys"
	"github.com/Yoo1tic/pollux/scheduler"
	"github.com/Yoo1tic/pollux/types"
)

// maxBodyBytes bounds generate request bodies.
const maxBodyBytes = 10 << 20

// Generator performs one brokered upstream call.
type Generator interface {
	Execute(ctx context.Context, model string, payload json.RawMessage, stream bool) (*executor.Result, error)
}

// Pool is the administrative surface of the credential manager.
type Pool interface {
	Register(ctx context.Context, creds []scheduler.NewCredential) ([]int64, error)
	BatchInvalidate(ids []int64) int
	Ban(ctx context.Context, id int64, reason string) error
	Stats() scheduler.Stats
	Models() []string
}

// Handler holds the route implementations.
type Handler struct {
	generator Generator
	pool      Pool
	logger    *zap.Logger
}

// New builds a Handler.
func New(generator Generator, pool Pool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{generator: generator, pool: pool, logger: logger}
}

// Register attaches all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1beta/models/{modelAction}", h.Generate)
	mux.HandleFunc("GET /v1beta/models", h.ListModels)
	mux.HandleFunc("POST /admin/credentials", h.RegisterCredentials)
	mux.HandleFunc("POST /admin/credentials/invalidate", h.InvalidateCredentials)
	mux.HandleFunc("DELETE /admin/credentials/{id}", h.DeregisterCredential)
	mux.HandleFunc("GET /admin/stats", h.PoolStats)
	mux.HandleFunc("GET /healthz", h.Health)
}

// Generate handles /v1beta/models/{model}:generateContent and
// {model}:streamGenerateContent. Upstream statuses, including the 429/401
// family already absorbed by the scheduler, pass through to the caller.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	model, action, ok := splitModelAction(r.PathValue("modelAction"))
	if !ok {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"expected models/{model}:generateContent").WithHTTPStatus(http.StatusBadRequest))
		return
	}
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"unknown action "+action).WithHTTPStatus(http.StatusBadRequest))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"read request body").WithHTTPStatus(http.StatusBadRequest).WithCause(err))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"request body too large").WithHTTPStatus(http.StatusRequestEntityTooLarge))
		return
	}
	if !json.Valid(body) {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"request body is not valid JSON").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	ctx := ctxkeys.WithModel(r.Context(), model)
	res, err := h.generator.Execute(ctx, model, body, stream)
	if err != nil {
		writeError(w, err)
		return
	}

	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("X-Request-Id", res.RequestID)
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}

// ListModels returns the served model list in Gemini list-models shape.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		Name string `json:"name"`
	}
	models := h.pool.Models()
	out := struct {
		Models []modelEntry `json:"models"`
	}{Models: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		out.Models = append(out.Models, modelEntry{Name: "models/" + m})
	}
	writeJSON(w, http.StatusOK, out)
}

// RegisterCredentials accepts a batch of refresh tokens and enqueues each
// for onboarding. Returns 202: credentials only serve traffic after their
// first refresh and tier resolution complete.
func (h *Handler) RegisterCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credentials []struct {
			ProjectID    string `json:"project_id"`
			RefreshToken string `json:"refresh_token"`
		} `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"decode request").WithHTTPStatus(http.StatusBadRequest).WithCause(err))
		return
	}
	if len(req.Credentials) == 0 {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"credentials list is empty").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	creds := make([]scheduler.NewCredential, 0, len(req.Credentials))
	for _, c := range req.Credentials {
		creds = append(creds, scheduler.NewCredential{
			ProjectID:    c.ProjectID,
			RefreshToken: c.RefreshToken,
		})
	}
	ids, err := h.pool.Register(r.Context(), creds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

// InvalidateCredentials forces the given credentials through a refresh.
func (h *Handler) InvalidateCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"decode request").WithHTTPStatus(http.StatusBadRequest).WithCause(err))
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"ids list is empty").WithHTTPStatus(http.StatusBadRequest))
		return
	}
	n := h.pool.BatchInvalidate(req.IDs)
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

// DeregisterCredential permanently removes a credential from rotation.
func (h *Handler) DeregisterCredential(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest,
			"credential id must be an integer").WithHTTPStatus(http.StatusBadRequest))
		return
	}
	if err := h.pool.Ban(r.Context(), id, "deregistered"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deregistered": id})
}

// PoolStats reports pool composition.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// Health is a liveness probe that also surfaces pool composition. It stays
// 200 with an empty pool: the process is alive even when upstream capacity
// is exhausted.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"credentials": h.pool.Stats(),
	})
}

// splitModelAction splits "gemini-2.5-pro:generateContent".
func splitModelAction(segment string) (model, action string, ok bool) {
	i := strings.LastIndex(segment, ":")
	if i <= 0 || i == len(segment)-1 {
		return "", "", false
	}
	return segment[:i], segment[i+1:], true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an error as JSON, using the structured HTTP status
// when present and 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := types.ErrInternalError
	message := "internal error"
	if e, ok := err.(*types.Error); ok {
		code = e.Code
		message = e.Message
		switch {
		case e.HTTPStatus != 0:
			status = e.HTTPStatus
		case code == types.ErrUpstreamTimeout:
			status = http.StatusGatewayTimeout
		case code == types.ErrUpstreamError || code == types.ErrRetriesExhausted:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": message,
			"status":  status,
		},
	})
}
