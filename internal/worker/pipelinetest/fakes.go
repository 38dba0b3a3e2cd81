// Package pipelinetest provides recording collaborators for pipeline tests.
package pipelinetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"avatarpipe/internal/ports"
)

// SynthCall is one recorded synthesis.
type SynthCall struct {
	Text, Gender, Lang, OutPath string
}

// Synthesizer writes a placeholder file per call.
type Synthesizer struct {
	mu    sync.Mutex
	calls []SynthCall
	// Fail, when set, decides whether a call errors.
	Fail func(call SynthCall) error
}

func (s *Synthesizer) Synthesize(ctx context.Context, text, gender, lang, outPath string) error {
	c := SynthCall{Text: text, Gender: gender, Lang: lang, OutPath: outPath}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	fail := s.Fail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(c); err != nil {
			return err
		}
	}
	return writeFile(outPath)
}

func (s *Synthesizer) Calls() []SynthCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SynthCall(nil), s.calls...)
}

// Renderer records requests and tracks how many renders overlap.
type Renderer struct {
	mu       sync.Mutex
	calls    []ports.RenderRequest
	inFlight int
	peak     int
	// Delay, when set, is slept before the clip is written.
	Delay func(req ports.RenderRequest) time.Duration
	// Fail, when set, decides whether a call errors.
	Fail func(req ports.RenderRequest) error
}

func (r *Renderer) Render(ctx context.Context, req ports.RenderRequest) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.inFlight++
	r.peak = max(r.peak, r.inFlight)
	delay, fail := r.Delay, r.Fail
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if delay != nil {
		time.Sleep(delay(req))
	}
	if fail != nil {
		if err := fail(req); err != nil {
			return "", err
		}
	}
	out := filepath.Join(req.OutputDir, fmt.Sprintf("%03d.mp4", req.Segment))
	return out, writeFile(out)
}

func (r *Renderer) Calls() []ports.RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.RenderRequest(nil), r.calls...)
}

// Peak is the highest number of overlapping renders seen.
func (r *Renderer) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// Merger records merges and writes the output file.
type Merger struct {
	mu    sync.Mutex
	calls [][]string
	Err   error
}

func (m *Merger) Merge(ctx context.Context, clips []string, outPath string) error {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), clips...))
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return writeFile(outPath)
}

func (m *Merger) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// Uploader maps a local path to a URL under Base; an empty Base disables
// uploads.
type Uploader struct {
	Base string
}

func (u Uploader) Upload(ctx context.Context, localPath string) string {
	if u.Base == "" {
		return ""
	}
	return u.Base + "/" + filepath.Base(localPath)
}

func writeFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("x"), 0o644)
}
