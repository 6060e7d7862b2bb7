package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"MailRota/internal/health"
	"MailRota/internal/models"
	"MailRota/internal/progress"
	"MailRota/internal/queue"
	"MailRota/internal/sender"
	"MailRota/internal/worker"
)

const maxProcessBatch = 500

type Handler struct {
	Queue     *queue.Queue
	Registry  *sender.Registry
	Rotation  *sender.Rotation
	Health    *health.Monitor
	Progress  *progress.Aggregator
	Processor worker.BatchProcessor
	// Batches feeds the worker pool for asynchronous processing.
	Batches   chan<- worker.Batch
	BatchSize int
	Log       *zap.Logger
}

// ----------------------------
// Tasks
// ----------------------------

func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) error {
	var req models.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	id, err := h.Queue.Enqueue(r.Context(), req)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	return nil
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) error {
	task, err := h.Queue.Get(r.Context(), chi.URLParam(r, paramID))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, task)
	return nil
}

func (h *Handler) PauseTask(w http.ResponseWriter, r *http.Request) error {
	return h.taskAction(w, r, h.Queue.Pause)
}

func (h *Handler) ResumeTask(w http.ResponseWriter, r *http.Request) error {
	return h.taskAction(w, r, h.Queue.Resume)
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) error {
	return h.taskAction(w, r, h.Queue.Cancel)
}

func (h *Handler) taskAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, id string) (*models.DeliveryTask, error),
) error {
	task, err := action(r.Context(), chi.URLParam(r, paramID))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, task)
	return nil
}

// ----------------------------
// Queue
// ----------------------------

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, stats)
	return nil
}

// ProcessQueue force-processes up to max due tasks. With async=true the batch
// is handed to the worker pool and the call returns at once.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "max", h.BatchSize, maxProcessBatch)
	if err != nil {
		return err
	}

	if queryBool(r, "async") {
		if h.Batches == nil || !worker.Submit(h.Batches, worker.Batch{MaxTasks: limit, Source: "api"}) {
			return errUnavailable("worker pool is busy, try again shortly")
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "max": limit})
		return nil
	}

	sum, err := h.Processor.ProcessQueue(r.Context(), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sum)
	return nil
}

func (h *Handler) StuckTasks(w http.ResponseWriter, r *http.Request) error {
	tasks, err := h.Queue.StuckTasks(r.Context())
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []models.DeliveryTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(tasks), "tasks": tasks})
	return nil
}

func (h *Handler) ReleaseStuck(w http.ResponseWriter, r *http.Request) error {
	ids, err := h.Queue.ReleaseStuck(r.Context())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": len(ids), "task_ids": ids})
	return nil
}

// ----------------------------
// Campaigns
// ----------------------------

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) error {
	all, err := h.Progress.All(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, all)
	return nil
}

func (h *Handler) CampaignProgress(w http.ResponseWriter, r *http.Request) error {
	id, err := campaignID(r)
	if err != nil {
		return err
	}
	p, err := h.Progress.Campaign(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, p)
	return nil
}

func campaignID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, paramID)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, errBadRequest("campaign id must be a positive integer", err)
	}
	return id, nil
}

// ----------------------------
// Senders
// ----------------------------

func senderEmail(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(chi.URLParam(r, paramEmail)))
}

func (h *Handler) ListSenders(w http.ResponseWriter, r *http.Request) error {
	statuses, err := h.Rotation.Statuses(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, statuses)
	return nil
}

func (h *Handler) SenderStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := h.Rotation.Stats(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, stats)
	return nil
}

func (h *Handler) GetSender(w http.ResponseWriter, r *http.Request) error {
	st, err := h.Rotation.Status(r.Context(), senderEmail(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (h *Handler) ResetSenderCounters(w http.ResponseWriter, r *http.Request) error {
	if err := h.Registry.ResetCounters(r.Context(), senderEmail(r)); err != nil {
		return err
	}
	return h.GetSender(w, r)
}

type suspendRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) SuspendSender(w http.ResponseWriter, r *http.Request) error {
	var req suspendRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
	}
	if err := models.Validate(req); err != nil {
		return err
	}

	rec, err := h.Health.MarkSenderSuspended(r.Context(), senderEmail(r), req.Reason)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (h *Handler) ReactivateSender(w http.ResponseWriter, r *http.Request) error {
	rec, err := h.Health.ReactivateSender(r.Context(), senderEmail(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (h *Handler) EnableSender(w http.ResponseWriter, r *http.Request) error {
	if err := h.Registry.SetEnabled(r.Context(), senderEmail(r), true); err != nil {
		return err
	}
	return h.GetSender(w, r)
}

func (h *Handler) DisableSender(w http.ResponseWriter, r *http.Request) error {
	if err := h.Registry.SetEnabled(r.Context(), senderEmail(r), false); err != nil {
		return err
	}
	return h.GetSender(w, r)
}

func (h *Handler) MakePrimarySender(w http.ResponseWriter, r *http.Request) error {
	if err := h.Registry.SetPrimary(r.Context(), senderEmail(r)); err != nil {
		return err
	}
	return h.GetSender(w, r)
}

// ----------------------------
// Health
// ----------------------------

func (h *Handler) SendersHealth(w http.ResponseWriter, r *http.Request) error {
	recs, err := h.Health.EvaluateAll(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, recs)
	return nil
}

func (h *Handler) SenderHealth(w http.ResponseWriter, r *http.Request) error {
	rec, err := h.Health.Evaluate(r.Context(), senderEmail(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

// CheckHealth runs the scheduled health check now. Unlike the GET views it
// advances critical streaks and may suspend accounts.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) error {
	recs, err := h.Health.CheckAllSenders(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, recs)
	return nil
}

func (h *Handler) UnhealthySenders(w http.ResponseWriter, r *http.Request) error {
	recs, err := h.Health.GetUnhealthySenders(r.Context(), queryBool(r, "include_warnings"))
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []models.HealthRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(recs), "senders": recs})
	return nil
}
