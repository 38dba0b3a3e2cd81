package processor

import (
	"os"

	"avatarpipe/internal/pkg/logger"
)

// Cleanup removes intermediate audio once a job has succeeded. Videos and
// audit logs stay on disk.
type Cleanup struct {
	cleanupLocal bool
	log          *logger.Logger
}

func NewCleanup(cleanupLocal bool, log *logger.Logger) *Cleanup {
	return &Cleanup{cleanupLocal: cleanupLocal, log: log}
}

// CleanupJob deletes the job's audio directory when enabled.
func (c *Cleanup) CleanupJob(jobID string, layout *Layout) {
	if !c.cleanupLocal {
		return
	}
	if err := os.RemoveAll(layout.Audio); err != nil {
		c.log.WithJobID(jobID).Warn("failed to remove audio dir", "path", layout.Audio, "error", err.Error())
	}
}
