package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-chi/chi/v5"

	"avatarpipe/internal/pkg/errors"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Video serves the merged video of a job from the media root.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")
	if !jobIDPattern.MatchString(jobID) {
		return errors.NotFound("video", jobID)
	}

	p := filepath.Join(h.mediaRoot, jobID, "video", jobID+".mp4")
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return errors.NotFound("video", jobID)
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, p)
	return nil
}
