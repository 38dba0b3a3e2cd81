package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Concat merges clips with the ffmpeg concat demuxer and stream copy. All
// clips must share codecs; nothing is re-encoded.
type Concat struct {
	ffmpeg string
	runner Runner
}

// NewConcat creates a merger. ffmpeg defaults to "ffmpeg" on PATH.
func NewConcat(ffmpeg string, runner Runner) *Concat {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Concat{ffmpeg: ffmpeg, runner: runner}
}

// Merge writes outPath from clips, in order.
func (c *Concat) Merge(ctx context.Context, clips []string, outPath string) error {
	if len(clips) == 0 {
		return fmt.Errorf("merge: no clips")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	listPath := outPath + ".txt"
	if err := os.WriteFile(listPath, []byte(ConcatList(clips)), 0o644); err != nil {
		return fmt.Errorf("merge: write list: %w", err)
	}
	defer os.Remove(listPath)

	_, err := c.runner.Run(ctx, Command{
		Name: c.ffmpeg,
		Args: []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", outPath},
	})
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

// ConcatList renders the concat demuxer input for clips.
func ConcatList(clips []string) string {
	var b strings.Builder
	for _, clip := range clips {
		abs, err := filepath.Abs(clip)
		if err != nil {
			abs = clip
		}
		// quotes inside a quoted path are written as '\''
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.String()
}
