package tts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarpipe/internal/worker/media"
)

func TestVoice(t *testing.T) {
	tests := []struct {
		lang, gender, want string
	}{
		{"kk", "m", "kk-KZ-DauletNeural"},
		{"kk", "f", "kk-KZ-AigulNeural"},
		{"ru", "m", "ru-RU-DmitryNeural"},
		{"RU", "F", "ru-RU-SvetlanaNeural"},
		{"en", "m", "en-US-GuyNeural"},
		{"en", "f", "en-US-JennyNeural"},
		{"kk", "kk-KZ-AigulNeural", "kk-KZ-AigulNeural"},
		{"de", "m", "m"},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.gender, func(t *testing.T) {
			assert.Equal(t, tt.want, Voice(tt.lang, tt.gender))
		})
	}
}

func TestEdgeTTS_Synthesize(t *testing.T) {
	out := filepath.Join(t.TempDir(), "audio", "001.wav")

	var cmds []media.Command
	runner := media.RunnerFunc(func(ctx context.Context, cmd media.Command) (media.Result, error) {
		cmds = append(cmds, cmd)
		return media.Result{}, nil
	})

	err := NewEdgeTTS("", "", runner).Synthesize(context.Background(), "Сәлем әлем.", "f", "kk", out)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	mp3 := filepath.Join(filepath.Dir(out), "001.mp3")
	assert.Equal(t, "edge-tts", cmds[0].Name)
	assert.Equal(t, []string{"--voice", "kk-KZ-AigulNeural", "--text", "Сәлем әлем.", "--write-media", mp3}, cmds[0].Args)
	assert.Equal(t, "ffmpeg", cmds[1].Name)
	assert.Equal(t, []string{"-y", "-i", mp3, "-ar", "16000", "-ac", "1", out}, cmds[1].Args)
}

func TestEdgeTTS_ServiceError(t *testing.T) {
	runner := media.RunnerFunc(func(ctx context.Context, cmd media.Command) (media.Result, error) {
		return media.Result{ExitCode: 1}, errors.New("403 forbidden")
	})

	err := NewEdgeTTS("", "", runner).Synthesize(context.Background(), "hi", "m", "en", filepath.Join(t.TempDir(), "1.wav"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "en-US-GuyNeural")
}
