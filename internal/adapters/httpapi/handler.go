package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coach-crm/internal/domain"
	httpinfra "coach-crm/internal/infra/http"
	"coach-crm/internal/usecase/approval"
)

// Handler обслуживает очередь ревью и операции согласования.
type Handler struct {
	approvals *approval.Service
	messages  domain.MessageRepo
	runs      domain.RunSummaryRepo
	queue     domain.OutreachQueue
	log       zerolog.Logger
}

// NewHandler создаёт обработчик API.
func NewHandler(approvals *approval.Service, messages domain.MessageRepo, runs domain.RunSummaryRepo, queue domain.OutreachQueue, logger zerolog.Logger) *Handler {
	return &Handler{approvals: approvals, messages: messages, runs: runs, queue: queue, log: logger}
}

// Register монтирует маршруты под защитой trainer-аутентификации.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(protected chi.Router) {
		protected.Use(httpinfra.TrainerAuthMiddleware())

		protected.Get("/api/v1/outreach/queue", h.listQueue)
		protected.Post("/api/v1/outreach/run", h.triggerRun)
		protected.Get("/api/v1/outreach/summary", h.lastSummary)
		protected.Post("/api/v1/messages/{id}/approve", h.approve)
		protected.Post("/api/v1/messages/{id}/send-now", h.sendNow)
		protected.Put("/api/v1/messages/{id}", h.edit)
		protected.Post("/api/v1/messages/approve-all", h.approveAll)
	})
}

type messageView struct {
	ID           int64      `json:"id"`
	ContactID    int64      `json:"contact_id"`
	ContactName  string     `json:"contact_name"`
	Content      string     `json:"content"`
	Channel      string     `json:"channel"`
	Status       string     `json:"status"`
	Confidence   float64    `json:"confidence"`
	Reasons      []string   `json:"reasons"`
	GeneratedBy  string     `json:"generated_by"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	open, err := h.messages.ListOpenMessages(r.Context(), trainerID)
	if err != nil {
		h.log.Error().Err(err).Msg("api: очередь ревью недоступна")
		writeError(w, http.StatusInternalServerError, "failed to load review queue")
		return
	}
	views := make([]messageView, 0, len(open))
	for _, msg := range open {
		views = append(views, messageView{
			ID:           msg.ID,
			ContactID:    msg.ContactID,
			ContactName:  msg.ContactName,
			Content:      msg.Content,
			Channel:      string(msg.Channel),
			Status:       string(msg.Status),
			Confidence:   msg.Confidence,
			Reasons:      msg.Reasons,
			GeneratedBy:  msg.GeneratedBy,
			ScheduledFor: msg.ScheduledFor,
			ExpiresAt:    msg.ExpiresAt,
			CreatedAt:    msg.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	now := time.Now().UTC()
	job := domain.OutreachJob{
		ID:          uuid.NewString(),
		TrainerID:   trainerID,
		Date:        now.Truncate(24 * time.Hour),
		RequestedAt: now,
		Cause:       domain.OutreachCauseManual,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.log.Error().Err(err).Int64("trainer", trainerID).Msg("api: не удалось поставить задачу")
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (h *Handler) lastSummary(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	summary, err := h.runs.LastRunSummary(r.Context(), trainerID)
	if err != nil {
		if errors.Is(err, domain.ErrTrainerNotFound) {
			writeError(w, http.StatusNotFound, "no runs yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	messageID, ok := parseID(w, r)
	if !ok {
		return
	}
	result, err := h.approvals.Approve(r.Context(), trainerID, messageID)
	if err != nil {
		h.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) sendNow(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	messageID, ok := parseID(w, r)
	if !ok {
		return
	}
	result, err := h.approvals.SendNow(r.Context(), trainerID, messageID)
	if err != nil {
		h.writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type editRequest struct {
	Content string `json:"content"`
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	messageID, ok := parseID(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.approvals.Edit(r.Context(), trainerID, messageID, req.Content); err != nil {
		switch {
		case errors.Is(err, approval.ErrEmptyContent):
			writeError(w, http.StatusUnprocessableEntity, "content must not be empty")
		case errors.Is(err, domain.ErrMessageNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, approval.ErrInvalidStatus):
			writeError(w, http.StatusConflict, "message is not editable")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update message")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) approveAll(w http.ResponseWriter, r *http.Request) {
	trainerID, _ := httpinfra.TrainerIDFromContext(r.Context())
	result, err := h.approvals.ApproveAllSafe(r.Context(), trainerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to approve messages")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeApprovalError переводит доменные ошибки в HTTP статусы. Лимит частоты
// отдаётся как 429, чтобы UI показал "попробуйте завтра", а не повторял запрос.
func (h *Handler) writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrFrequencyCap):
		writeError(w, http.StatusTooManyRequests, "daily frequency cap reached, try again tomorrow")
	case errors.Is(err, domain.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, approval.ErrInvalidStatus):
		writeError(w, http.StatusConflict, "message is not in an approvable status")
	case errors.Is(err, approval.ErrSendChannel):
		writeError(w, http.StatusBadGateway, "delivery provider unavailable, safe to retry")
	default:
		h.log.Error().Err(err).Msg("api: операция согласования не удалась")
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
