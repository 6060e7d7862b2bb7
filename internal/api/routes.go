package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	paramID    = "id"
	paramEmail = "email"
)

// NewRouter mounts every engine endpoint under /api plus /healthz.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	mk := func(fn appHandler) http.HandlerFunc { return makeHandler(h.Log, fn) }

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", mk(h.EnqueueTask))
			r.Get("/{id}", mk(h.GetTask))
			r.Post("/{id}/pause", mk(h.PauseTask))
			r.Post("/{id}/resume", mk(h.ResumeTask))
			r.Post("/{id}/cancel", mk(h.CancelTask))
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", mk(h.ListCampaigns))
			r.Get("/{id}/progress", mk(h.CampaignProgress))
			r.Post("/{id}/import", mk(h.ImportCampaign))
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", mk(h.QueueStats))
			r.Post("/process", mk(h.ProcessQueue))
			r.Get("/stuck", mk(h.StuckTasks))
			r.Post("/release-stuck", mk(h.ReleaseStuck))
		})

		r.Route("/senders", func(r chi.Router) {
			r.Get("/", mk(h.ListSenders))
			r.Get("/stats", mk(h.SenderStats))
			r.Get("/{email}", mk(h.GetSender))
			r.Post("/{email}/reset-counters", mk(h.ResetSenderCounters))
			r.Post("/{email}/suspend", mk(h.SuspendSender))
			r.Post("/{email}/reactivate", mk(h.ReactivateSender))
			r.Post("/{email}/enable", mk(h.EnableSender))
			r.Post("/{email}/disable", mk(h.DisableSender))
			r.Post("/{email}/primary", mk(h.MakePrimarySender))
		})

		r.Route("/health", func(r chi.Router) {
			r.Get("/senders", mk(h.SendersHealth))
			r.Get("/senders/{email}", mk(h.SenderHealth))
			r.Get("/unhealthy", mk(h.UnhealthySenders))
			r.Post("/check", mk(h.CheckHealth))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
