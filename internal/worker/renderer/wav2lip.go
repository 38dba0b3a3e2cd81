// Package renderer turns segment audio into video clips: Wav2Lip lip-sync
// over an avatar template, a still green-background clip when no avatar is
// wanted, or a remote renderer reached over HTTP.
package renderer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/worker/media"
)

// Wav2LipConfig locates the model and the avatar templates.
type Wav2LipConfig struct {
	Python      string
	Dir         string
	Checkpoint  string // relative to Dir unless absolute
	TemplateDir string
	CUDADevices string
}

// Wav2Lip renders by running the Wav2Lip inference script as a subprocess.
type Wav2Lip struct {
	cfg    Wav2LipConfig
	runner media.Runner
}

func NewWav2Lip(cfg Wav2LipConfig, runner media.Runner) *Wav2Lip {
	if cfg.Python == "" {
		cfg.Python = "python"
	}
	if cfg.Checkpoint == "" {
		cfg.Checkpoint = "checkpoints/wav2lip_gan.pth"
	}
	if cfg.CUDADevices == "" {
		cfg.CUDADevices = "0"
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &Wav2Lip{cfg: cfg, runner: runner}
}

// Template returns the template clip for gender and action.
func (w *Wav2Lip) Template(gender string, actionID int) string {
	return filepath.Join(w.cfg.TemplateDir, fmt.Sprintf("%s_%d.mp4", gender, actionID))
}

func (w *Wav2Lip) Render(ctx context.Context, req ports.RenderRequest) (string, error) {
	tpl := w.Template(req.Gender, req.ActionID)
	if _, err := os.Stat(tpl); err != nil {
		return "", errors.ResourceUnavailable(tpl)
	}

	out, err := clipPath(req)
	if err != nil {
		return "", err
	}

	checkpoint := w.cfg.Checkpoint
	if !filepath.IsAbs(checkpoint) {
		checkpoint = filepath.Join(w.cfg.Dir, checkpoint)
	}

	// inference.py resolves its own modules relative to cwd, so every path
	// handed to it must be absolute.
	face, audio := absPath(tpl), absPath(req.AudioPath)
	if _, err := w.runner.Run(ctx, media.Command{
		Name: w.cfg.Python,
		Args: []string{
			filepath.Join(absPath(w.cfg.Dir), "inference.py"),
			"--checkpoint_path", absPath(checkpoint),
			"--face", face,
			"--audio", audio,
			"--outfile", out,
			"--resize_factor", "3",
		},
		Dir: w.cfg.Dir,
		Env: []string{"CUDA_VISIBLE_DEVICES=" + w.cfg.CUDADevices},
	}); err != nil {
		return "", fmt.Errorf("wav2lip segment %d: %w", req.Segment, err)
	}
	return out, nil
}

// clipPath is <OutputDir>/<segment>.mp4, creating the directory.
func clipPath(req ports.RenderRequest) (string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("renderer: %w", err)
	}
	return absPath(filepath.Join(req.OutputDir, fmt.Sprintf("%03d.mp4", req.Segment))), nil
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
