package renderer

import (
	"context"
	"fmt"
	"os"

	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/worker/media"
)

// Still renders a static background image under the segment audio. Used
// when a job asks for no avatar; it does not touch the GPU.
type Still struct {
	ffmpeg     string
	background string
	runner     media.Runner
}

func NewStill(ffmpeg, background string, runner media.Runner) *Still {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &Still{ffmpeg: ffmpeg, background: background, runner: runner}
}

func (s *Still) Render(ctx context.Context, req ports.RenderRequest) (string, error) {
	if _, err := os.Stat(s.background); err != nil {
		return "", errors.ResourceUnavailable(s.background)
	}

	out, err := clipPath(req)
	if err != nil {
		return "", err
	}

	if _, err := s.runner.Run(ctx, media.Command{
		Name: s.ffmpeg,
		Args: []string{
			"-y",
			"-loop", "1", "-i", s.background,
			"-i", req.AudioPath,
			"-c:v", "libx264", "-tune", "stillimage",
			"-c:a", "aac", "-b:a", "192k",
			"-shortest",
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
			out,
		},
	}); err != nil {
		return "", fmt.Errorf("still clip segment %d: %w", req.Segment, err)
	}
	return out, nil
}
