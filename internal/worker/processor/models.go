package processor

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the on-disk workspace of one job under the media root.
type Layout struct {
	Root  string
	Audio string
	Video string
	Logs  string
}

// NewLayout creates <root>/<jobID>/{audio,video,logs}.
func NewLayout(mediaRoot, jobID string) (*Layout, error) {
	root := filepath.Join(mediaRoot, jobID)
	l := &Layout{
		Root:  root,
		Audio: filepath.Join(root, "audio"),
		Video: filepath.Join(root, "video"),
		Logs:  filepath.Join(root, "logs"),
	}
	for _, dir := range []string{l.Audio, l.Video, l.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

// AudioPath is the wav for segment idx (1-based).
func (l *Layout) AudioPath(idx int) string {
	return filepath.Join(l.Audio, fmt.Sprintf("%03d.wav", idx))
}

// MergedPath is the concatenated video of the job.
func (l *Layout) MergedPath(jobID string) string {
	return filepath.Join(l.Video, jobID+".mp4")
}

// SegmentTask is one synthesized segment waiting to be rendered.
type SegmentTask struct {
	Index    int
	Text     string
	Audio    string
	ActionID int
}
