package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"avatarpipe/internal/httpkit"
	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/progress"
)

// JobEvents streams the progress of one job until its done or error event.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) error {
	if h.events == nil {
		return errors.Unavailable("progress")
	}
	jobID := chi.URLParam(r, "jobId")
	ch, cancel := h.events.Subscribe(jobID)
	defer cancel()
	return h.stream(w, r, ch, func(progress.Event) bool { return true })
}

// AllEvents streams every job's progress. ?request_id= narrows it to the
// jobs created from one POST /jobs.
func (h *Handler) AllEvents(w http.ResponseWriter, r *http.Request) error {
	if h.events == nil {
		return errors.Unavailable("progress")
	}
	requestID := r.URL.Query().Get("request_id")
	ch, cancel := h.events.SubscribeAll()
	defer cancel()
	return h.stream(w, r, ch, func(e progress.Event) bool {
		return requestID == "" || e.RequestID == requestID
	})
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, ch <-chan progress.Event, keep func(progress.Event) bool) error {
	sse, err := httpkit.NewSSE(w)
	if err != nil {
		return errors.Wrap(err, "api.events", "streaming unsupported")
	}

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-ticker.C:
			if err := sse.Ping(); err != nil {
				return nil
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !keep(e) {
				continue
			}
			if err := sse.Send(strconv.FormatInt(e.Seq, 10), string(e.Type), e); err != nil {
				h.log.Debug("event stream closed", "error", err.Error())
				return nil
			}
		}
	}
}
