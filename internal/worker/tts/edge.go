// Package tts synthesizes segment audio with Microsoft Edge voices.
package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"avatarpipe/internal/worker/media"
)

var voices = map[string]map[string]string{
	"kk": {"m": "kk-KZ-DauletNeural", "f": "kk-KZ-AigulNeural"},
	"ru": {"m": "ru-RU-DmitryNeural", "f": "ru-RU-SvetlanaNeural"},
	"en": {"m": "en-US-GuyNeural", "f": "en-US-JennyNeural"},
}

// Voice resolves the Edge voice for lang and gender. A gender that is not
// "m" or "f" is taken as a full voice id.
func Voice(lang, gender string) string {
	if v, ok := voices[strings.ToLower(lang)][strings.ToLower(gender)]; ok {
		return v
	}
	return gender
}

// EdgeTTS runs the edge-tts CLI to fetch mp3 speech, then converts it with
// ffmpeg to the 16 kHz mono wav the lip-sync model expects.
type EdgeTTS struct {
	edgeTTS string
	ffmpeg  string
	runner  media.Runner
}

// NewEdgeTTS creates a synthesizer. Empty binaries default to names on PATH.
func NewEdgeTTS(edgeTTS, ffmpeg string, runner media.Runner) *EdgeTTS {
	if edgeTTS == "" {
		edgeTTS = "edge-tts"
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &EdgeTTS{edgeTTS: edgeTTS, ffmpeg: ffmpeg, runner: runner}
}

// Synthesize writes outPath as a 16 kHz mono wav.
func (e *EdgeTTS) Synthesize(ctx context.Context, text, gender, lang, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("tts: %w", err)
	}

	mp3 := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".mp3"
	defer os.Remove(mp3)

	voice := Voice(lang, gender)
	if _, err := e.runner.Run(ctx, media.Command{
		Name: e.edgeTTS,
		Args: []string{"--voice", voice, "--text", text, "--write-media", mp3},
	}); err != nil {
		return fmt.Errorf("tts: edge voice %s: %w", voice, err)
	}

	if _, err := e.runner.Run(ctx, media.Command{
		Name: e.ffmpeg,
		Args: []string{"-y", "-i", mp3, "-ar", "16000", "-ac", "1", outPath},
	}); err != nil {
		return fmt.Errorf("tts: convert to wav: %w", err)
	}
	return nil
}
