package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/model"
	kirosync "github.com/kiroku-app/kiroku/internal/sync"
)

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	sessions *Sessions
	pinger   Pinger
	logger   *slog.Logger
	version  string
	maxBody  int64
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	Sessions            *Sessions
	Pinger              Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		sessions: deps.Sessions,
		pinger:   deps.Pinger,
		logger:   deps.Logger,
		version:  deps.Version,
		maxBody:  deps.MaxRequestBodyBytes,
	}
}

// session resolves the caller's session from the JWT claims, creating it
// on first touch. Writes the error response itself on failure.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) *Session {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return nil
	}
	sess, err := h.sessions.Get(r.Context(), claims.UserID())
	if err != nil {
		h.logger.Error("session load failed", "error", err, "user_id", claims.Subject)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "session unavailable")
		return nil
	}
	return sess
}

// writeMutationError maps coordinator errors to HTTP responses.
func writeMutationError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verrs.Error())
		return
	}
	if errors.Is(err, kirosync.ErrInvalid) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "mutation failed")
}

// HandleCreateLog handles POST /v1/logs. The response carries the
// optimistic entry; the authoritative row follows on the stream.
func (h *Handlers) HandleCreateLog(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var in kirosync.CreateLogInput
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	entry, err := sess.Coordinator.CreateLog(in)
	if err != nil {
		writeMutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, entry)
}

// HandleDeleteLog handles DELETE /v1/logs/{id}.
func (h *Handlers) HandleDeleteLog(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid log id")
		return
	}

	sess.Coordinator.DeleteLog(id)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id.String()})
}

// HandleCreateMilestone handles POST /v1/milestones.
func (h *Handlers) HandleCreateMilestone(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var in kirosync.CreateMilestoneInput
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	m, err := sess.Coordinator.CreateMilestone(in)
	if err != nil {
		writeMutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, m)
}

// HandleUpdateMilestone handles PUT /v1/milestones/{id}. Full-row replace.
func (h *Handlers) HandleUpdateMilestone(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid milestone id")
		return
	}

	var m model.Milestone
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &m); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	m.ID = id

	if err := sess.Coordinator.UpdateMilestone(m); err != nil {
		writeMutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, m)
}

// HandleDeleteMilestone handles DELETE /v1/milestones/{id}.
func (h *Handlers) HandleDeleteMilestone(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid milestone id")
		return
	}

	sess.Coordinator.DeleteMilestone(id)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id.String()})
}

// HandleCreateSkill handles POST /v1/skills.
func (h *Handlers) HandleCreateSkill(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var in kirosync.CreateSkillInput
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	s, err := sess.Coordinator.CreateSkill(in)
	if err != nil {
		writeMutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, s)
}

// calibrateRequest is the body for PUT /v1/skills/{id}/target.
type calibrateRequest struct {
	TargetScore float64 `json:"target_score"`
}

// HandleCalibrateSkill handles PUT /v1/skills/{id}/target.
func (h *Handlers) HandleCalibrateSkill(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid skill id")
		return
	}

	var req calibrateRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if err := sess.Coordinator.CalibrateSkill(id, req.TargetScore); err != nil {
		writeMutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"id": id.String(), "target_score": req.TargetScore})
}

// targetRequest is the body for PUT /v1/targets/{date}.
type targetRequest struct {
	Text string           `json:"target_text"`
	Type model.TargetType `json:"target_type"`
}

// HandleUpsertTarget handles PUT /v1/targets/{date}.
func (h *Handlers) HandleUpsertTarget(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	date, err := model.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid target date")
		return
	}

	var req targetRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	tg, err := sess.Coordinator.UpsertTarget(kirosync.UpsertTargetInput{
		Date: date, Text: req.Text, Type: req.Type,
	})
	if err != nil {
		writeMutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, tg)
}

// HandleDeleteTarget handles DELETE /v1/targets/{date}.
func (h *Handlers) HandleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	date, err := model.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid target date")
		return
	}

	sess.Coordinator.DeleteTarget(date)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"target_date": date.String()})
}

// HandleDashboard handles GET /v1/dashboard: the full current frame.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Projector.Compute())
}

// HandleSnapshot handles GET /v1/tables/{table}: one table's ordered rows.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	table := model.Table(r.PathValue("table"))
	if !table.Valid() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown table")
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Ledger.Snapshot(table))
}

// HandleRefetch handles POST /v1/refetch: full reload from the store,
// collapsing optimistic duplicates.
func (h *Handlers) HandleRefetch(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	if err := sess.Refetch(r.Context()); err != nil {
		h.logger.Error("refetch failed", "error", err, "user_id", sess.UserID.String())
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "refetch failed")
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Projector.Compute())
}

// HandleStream handles GET /v1/stream (SSE). Emits "view" events with full
// dashboard frames and "notice" events for failed background writes.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	views, cancelViews := sess.Projector.Watch()
	defer cancelViews()
	notices, cancelNotices := sess.WatchNotices()
	defer cancelNotices()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case v, ok := <-views:
			if !ok {
				return
			}
			if err := writeSSE(w, "view", v); err != nil {
				return
			}
			flusher.Flush()
		case n, ok := <-notices:
			if !ok {
				return
			}
			if err := writeSSE(w, "notice", noticePayload(n)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// noticePayload flattens a notice for the wire; raw errors stay server-side.
func noticePayload(n kirosync.Notice) map[string]string {
	msg := ""
	if n.Err != nil {
		msg = n.Err.Error()
	}
	return map[string]string{
		"op":      n.Op,
		"kind":    string(n.Kind),
		"message": msg,
	}
}

// writeSSE writes one Server-Sent Event with a JSON payload.
func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("event: " + event + "\ndata: " + string(payload) + "\n\n"))
	return err
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, r, httpStatus, map[string]string{
		"status":   status,
		"postgres": pgStatus,
		"version":  h.version,
	})
}
