// Package ports declares the boundaries between the pipeline and the tools
// it drives.
package ports

import "context"

// Segmenter splits text into ordered segments. Deterministic, no side effects.
type Segmenter interface {
	Split(text string) []string
}

// Synthesizer produces speech audio for one segment at outPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, gender, lang, outPath string) error
}

// RenderRequest describes one clip to render.
type RenderRequest struct {
	JobID     string
	Segment   int
	AudioPath string
	Gender    string
	ActionID  int
	OutputDir string
}

// Renderer turns a segment's audio into a video clip and returns its path.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// Merger concatenates clips, in the given order, without re-encoding.
type Merger interface {
	Merge(ctx context.Context, clips []string, outPath string) error
}

// Uploader publishes a local file. An empty URL means the upload was not
// available; it is never an error for the caller.
type Uploader interface {
	Upload(ctx context.Context, localPath string) string
}
