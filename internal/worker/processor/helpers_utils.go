package processor

import (
	"context"

	"avatarpipe/internal/job"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
)

// maxErrorLen bounds error text carried in progress events.
const maxErrorLen = 2000

// Truncate shortens s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// UploadOrLocal returns the uploaded URL, or the local path when the upload
// was unavailable.
func UploadOrLocal(ctx context.Context, up ports.Uploader, localPath string) (string, bool) {
	if url := up.Upload(ctx, localPath); url != "" {
		return url, true
	}
	return localPath, false
}

func event(j *job.Job, t progress.Type) progress.Event {
	return progress.Event{
		JobID:     j.ID,
		RequestID: j.Message.StringField("request_id"),
		Type:      t,
	}
}

// noUpload keeps every clip local.
type noUpload struct{}

func (noUpload) Upload(context.Context, string) string { return "" }
