package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcat_Merge(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video", "job.mp4")

	var (
		got      Command
		listBody string
	)
	runner := RunnerFunc(func(ctx context.Context, cmd Command) (Result, error) {
		got = cmd
		b, err := os.ReadFile(cmd.Args[6])
		require.NoError(t, err)
		listBody = string(b)
		return Result{}, nil
	})

	err := NewConcat("ffmpeg", runner).Merge(context.Background(), []string{"/m/001.mp4", "/m/002.mp4"}, out)
	require.NoError(t, err)

	assert.Equal(t, "ffmpeg", got.Name)
	assert.Equal(t, []string{"-y", "-f", "concat", "-safe", "0", "-i", out + ".txt", "-c", "copy", out}, got.Args)
	assert.Equal(t, "file '/m/001.mp4'\nfile '/m/002.mp4'\n", listBody)

	_, err = os.Stat(out + ".txt")
	assert.True(t, os.IsNotExist(err), "list file should be removed")
}

func TestConcat_Errors(t *testing.T) {
	failing := RunnerFunc(func(ctx context.Context, cmd Command) (Result, error) {
		return Result{ExitCode: 1}, &CommandError{Command: cmd.String(), ExitCode: 1, Stderr: "codec mismatch"}
	})
	c := NewConcat("", failing)

	err := c.Merge(context.Background(), nil, filepath.Join(t.TempDir(), "x.mp4"))
	assert.Error(t, err)

	err = c.Merge(context.Background(), []string{"a.mp4"}, filepath.Join(t.TempDir(), "x.mp4"))
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Contains(t, err.Error(), "codec mismatch")
}

func TestConcatList_QuotesPaths(t *testing.T) {
	assert.Equal(t, "file '/tmp/it'\\''s.mp4'\n", ConcatList([]string{"/tmp/it's.mp4"}))
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	res, err := ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	res, err = ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo bad >&2; exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "bad", cmdErr.Stderr)

	res, err = ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo $PIPE_TEST"}, Env: []string{"PIPE_TEST=ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)

	_, err = ExecRunner{}.Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	require.Error(t, err)
}
