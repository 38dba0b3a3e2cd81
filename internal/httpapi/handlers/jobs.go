package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"avatarpipe/internal/httpkit"
	"avatarpipe/internal/job"
	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/repositories"
	"avatarpipe/internal/worker"
	"avatarpipe/internal/worker/util"
)

// newRequestID has the same shape as job ids.
func newRequestID() string {
	return util.NewJobID()
}

// PostJob validates the body as an input message and publishes it. The job
// id is only assigned when a worker receives the message, so the response
// carries a request_id that progress events and job records repeat.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	var body map[string]json.RawMessage
	if err := httpkit.DecodeJSON(w, r, &body); err != nil {
		return errors.Validationf("invalid json body: %v", err)
	}
	if body == nil {
		return errors.Validation("body must be a json object")
	}

	requestID := ""
	if raw, ok := body["request_id"]; ok {
		_ = json.Unmarshal(raw, &requestID)
	}
	if strings.TrimSpace(requestID) == "" {
		requestID = h.newID()
	}
	delete(body, "retry")
	delete(body, "last_error")

	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "api.post_job", "encode message")
	}
	msg, err := job.Decode(raw)
	if err != nil {
		reason := err.Error()
		var appErr *errors.Error
		if errors.As(err, &appErr) {
			reason = appErr.Message
		}
		if f, ok := errors.GetFields(err)["field"].(string); ok {
			return errors.ValidationField(f, reason)
		}
		return errors.Validation(reason)
	}
	if err := msg.SetField("request_id", requestID); err != nil {
		return errors.Wrap(err, "api.post_job", "encode request id")
	}

	if h.queue == nil {
		return errors.Unavailable("broker")
	}
	if err := h.queue.Enqueue(r.Context(), msg); err != nil {
		if stderrors.Is(err, worker.ErrNotConnected) {
			return errors.Unavailable("broker")
		}
		return errors.BrokerTransport(err, "api.enqueue")
	}

	h.log.FromContext(r.Context()).Info("job enqueued",
		"request_id", requestID,
		"queue", h.inputName,
		"text_len", len([]rune(msg.Text)),
	)

	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{
		"request_id": requestID,
		"status":     "queued",
		"queue":      h.inputName,
	})
	return nil
}

// ListJobs returns recorded jobs, newest first, filtered by status and
// request_id.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := repositories.JobFilter{
		Status:    strings.TrimSpace(q.Get("status")),
		RequestID: strings.TrimSpace(q.Get("request_id")),
	}
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 200 {
			return errors.ValidationField("limit", "limit must be between 1 and 200")
		}
		f.Limit = v
	}

	jobs, err := h.jobs.List(r.Context(), f)
	if err != nil {
		return errors.Wrap(err, "api.list_jobs", "job query failed")
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	return nil
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	rec, err := h.jobs.Get(r.Context(), jobID)
	if stderrors.Is(err, repositories.ErrJobNotFound) {
		return errors.NotFound("job", jobID)
	}
	if err != nil {
		return errors.Wrap(err, "api.get_job", "job query failed")
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": rec})
	return nil
}
