package processor

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"avatarpipe/internal/audit"
	"avatarpipe/internal/job"
	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
	"avatarpipe/internal/worker/actions"
	"avatarpipe/internal/worker/gpu"
	"avatarpipe/internal/worker/pipelinetest"
	"avatarpipe/internal/worker/pool"
	"avatarpipe/internal/worker/segment"
)

type fixture struct {
	synth  *pipelinetest.Synthesizer
	avatar *pipelinetest.Renderer
	still  *pipelinetest.Renderer
	merger *pipelinetest.Merger
	gpu    *gpu.Semaphore
	bus    *progress.Bus
	media  string
	deps   Deps
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	f := &fixture{
		synth:  &pipelinetest.Synthesizer{},
		avatar: &pipelinetest.Renderer{},
		still:  &pipelinetest.Renderer{},
		merger: &pipelinetest.Merger{},
		gpu:    gpu.New(1),
		bus:    progress.NewBus(100),
		media:  t.TempDir(),
	}
	f.deps = Deps{
		Segmenter:   segment.NewSplitter(),
		Synthesizer: f.synth,
		Avatar:      f.avatar,
		Still:       f.still,
		Merger:      f.merger,
		Uploader:    pipelinetest.Uploader{Base: "https://files.example"},
		Actions:     actions.NewPool(actions.DefaultSize),
		GPU:         f.gpu,
		Workers:     pool.New(workers),
		Progress:    f.bus,
		MediaRoot:   f.media,
		Log:         logger.Discard(),
	}
	return f
}

func newJob(t *testing.T, id, body string) *job.Job {
	t.Helper()
	m, err := job.Decode([]byte(body))
	require.NoError(t, err)
	return job.New(id, m)
}

func TestProcessJob_TwoSegmentsMerged(t *testing.T) {
	f := newFixture(t, 2)
	j := newJob(t, "job1", `{"text":"Hello world. This is a test.","gender":"f","merge":true}`)

	res, err := New(f.deps).ProcessJob(context.Background(), j)
	require.NoError(t, err)

	synth := f.synth.Calls()
	require.Len(t, synth, 2)
	assert.Equal(t, "Hello world.", synth[0].Text)
	assert.Equal(t, "This is a test.", synth[1].Text)
	assert.Equal(t, filepath.Join(f.media, "job1", "audio", "001.wav"), synth[0].OutPath)
	assert.Equal(t, "f", synth[0].Gender)
	assert.Equal(t, "kk", synth[0].Lang)

	renders := f.avatar.Calls()
	require.Len(t, renders, 2)
	assert.NotEqual(t, renders[0].ActionID, renders[1].ActionID)
	assert.Empty(t, f.still.Calls())

	merges := f.merger.Calls()
	require.Len(t, merges, 1)
	assert.Equal(t, []string{
		filepath.Join(f.media, "job1", "video", "001.mp4"),
		filepath.Join(f.media, "job1", "video", "002.mp4"),
	}, merges[0])

	assert.Equal(t, "job1", res.JobID)
	assert.Equal(t, []string{"https://files.example/001.mp4", "https://files.example/002.mp4"}, res.Clips)
	require.NotNil(t, res.Merged)
	assert.Equal(t, "https://files.example/job1.mp4", *res.Merged)

	ids, err := audit.ReadIDs(res.APILog)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, 1001, ids[0].OrigVoiceID)
	assert.Equal(t, 2, ids[0].AvatarGenderID)

	clips, err := audit.ReadClips(res.ClipLog)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	assert.Equal(t, res.Clips[1], clips[1].VideoPath)
	// Render calls arrive in completion order; match them by segment.
	for _, c := range clips {
		var found bool
		for _, r := range renders {
			if r.Segment == c.TextClipID {
				assert.Equal(t, r.ActionID, c.AvatarActionID, "segment %d", c.TextClipID)
				found = true
			}
		}
		assert.True(t, found, "no render call for segment %d", c.TextClipID)
	}
}

func TestProcessJob_ClipOrderIndependentOfCompletion(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		f := newFixture(t, 4)
		f.deps.GPU = gpu.New(4)
		rng := rand.New(rand.NewPCG(seed, seed))
		delays := make([]time.Duration, 9)
		for i := range delays {
			delays[i] = time.Duration(rng.IntN(20)) * time.Millisecond
		}
		f.avatar.Delay = func(req ports.RenderRequest) time.Duration { return delays[req.Segment-1] }
		f.deps.Uploader = nil

		text := strings.Repeat("One two three. ", 8) + "Last words here."
		j := newJob(t, "order", `{"text":"`+text+`"}`)

		res, err := New(f.deps).ProcessJob(context.Background(), j)
		require.NoError(t, err)
		require.Len(t, res.Clips, 9)
		for i, clip := range res.Clips {
			assert.Equal(t, filepath.Join(f.media, "order", "video", segName(i+1)), clip)
		}
		require.NotNil(t, res.Merged)
		assert.Equal(t, res.Clips, f.merger.Calls()[0])
	}
}

func segName(idx int) string {
	return []string{"", "001.mp4", "002.mp4", "003.mp4", "004.mp4", "005.mp4", "006.mp4", "007.mp4", "008.mp4", "009.mp4"}[idx]
}

func TestProcessJob_GPUBoundsAvatarRenders(t *testing.T) {
	f := newFixture(t, 4)
	f.avatar.Delay = func(ports.RenderRequest) time.Duration { return 5 * time.Millisecond }

	j := newJob(t, "gpu", `{"text":"a b. c d. e f. g h. i j. k l."}`)
	_, err := New(f.deps).ProcessJob(context.Background(), j)
	require.NoError(t, err)

	assert.Equal(t, 1, f.gpu.Peak())
	assert.Equal(t, 1, f.avatar.Peak())
	assert.Equal(t, 0, f.gpu.Holders())
}

func TestProcessJob_StillSkipsGPU(t *testing.T) {
	f := newFixture(t, 3)
	f.still.Delay = func(ports.RenderRequest) time.Duration { return 10 * time.Millisecond }

	j := newJob(t, "still", `{"text":"a b. c d. e f.","useAvatar":false,"merge":false}`)
	res, err := New(f.deps).ProcessJob(context.Background(), j)
	require.NoError(t, err)

	assert.Len(t, f.still.Calls(), 3)
	assert.Empty(t, f.avatar.Calls())
	assert.Equal(t, 0, f.gpu.Peak())
	assert.Nil(t, res.Merged)
	assert.Empty(t, f.merger.Calls())
}

func TestProcessJob_SingleSegmentNotMerged(t *testing.T) {
	f := newFixture(t, 1)
	j := newJob(t, "one", `{"text":"Just one sentence here"}`)

	res, err := New(f.deps).ProcessJob(context.Background(), j)
	require.NoError(t, err)
	assert.Len(t, res.Clips, 1)
	assert.Nil(t, res.Merged)
	assert.Empty(t, f.merger.Calls())
}

func TestProcessJob_RenderFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.avatar.Fail = func(req ports.RenderRequest) error {
		return stderrors.New("wav2lip exited 1")
	}

	j := newJob(t, "fail", `{"text":"a b. c d. e f."}`)
	res, err := New(f.deps).ProcessJob(context.Background(), j)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.IsCode(err, errors.CodeStageFailure))
	assert.Contains(t, err.Error(), "pipeline.render")
	assert.Contains(t, err.Error(), "wav2lip exited 1")

	// one worker: the failure cancels segments that never started
	assert.Len(t, f.avatar.Calls(), 1)
	assert.Empty(t, f.merger.Calls())

	// audio of completed segments stays for recovery
	_, statErr := os.Stat(filepath.Join(f.media, "fail", "audio", "003.wav"))
	assert.NoError(t, statErr)
}

func TestProcessJob_MissingTemplateKeepsCode(t *testing.T) {
	f := newFixture(t, 1)
	f.avatar.Fail = func(req ports.RenderRequest) error {
		return errors.ResourceUnavailable("templates/m_3.mp4")
	}

	_, err := New(f.deps).ProcessJob(context.Background(), newJob(t, "tpl", `{"text":"a b c"}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeResourceUnavailable))
	assert.True(t, errors.IsStageFailure(err))
}

func TestProcessJob_SynthFailureStopsBeforeRender(t *testing.T) {
	f := newFixture(t, 1)
	f.synth.Fail = func(c pipelinetest.SynthCall) error {
		if strings.HasPrefix(c.Text, "c") {
			return stderrors.New("edge-tts: 403")
		}
		return nil
	}

	_, err := New(f.deps).ProcessJob(context.Background(), newJob(t, "tts", `{"text":"a b. c d. e f."}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.synthesize")
	assert.Len(t, f.synth.Calls(), 2)
	assert.Empty(t, f.avatar.Calls())
}

func TestProcessJob_EmptySegmentation(t *testing.T) {
	f := newFixture(t, 1)
	f.deps.Segmenter = segmenterFunc(func(string) []string { return nil })

	_, err := New(f.deps).ProcessJob(context.Background(), newJob(t, "empty", `{"text":"..."}`))
	require.Error(t, err)
	assert.True(t, errors.IsStageFailure(err))
	assert.Empty(t, f.synth.Calls())
}

type segmenterFunc func(string) []string

func (f segmenterFunc) Split(text string) []string { return f(text) }

type MockUploader struct{ mock.Mock }

func (m *MockUploader) Upload(ctx context.Context, localPath string) string {
	return m.Called(ctx, localPath).String(0)
}

func TestProcessJob_UploadDegradesToLocalPath(t *testing.T) {
	f := newFixture(t, 1)
	up := &MockUploader{}
	up.On("Upload", mock.Anything, mock.MatchedBy(func(p string) bool { return strings.HasSuffix(p, "001.mp4") })).Return("https://cdn/001.mp4")
	up.On("Upload", mock.Anything, mock.Anything).Return("")
	f.deps.Uploader = up

	res, err := New(f.deps).ProcessJob(context.Background(), newJob(t, "up", `{"text":"a b. c d."}`))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/001.mp4", res.Clips[0])
	assert.Equal(t, filepath.Join(f.media, "up", "video", "002.mp4"), res.Clips[1])
	require.NotNil(t, res.Merged)
	assert.Equal(t, filepath.Join(f.media, "up", "video", "up.mp4"), *res.Merged)
	up.AssertNumberOfCalls(t, "Upload", 3)
}

func TestProcessJob_CleanupAudio(t *testing.T) {
	f := newFixture(t, 1)
	f.deps.CleanupLocal = true

	_, err := New(f.deps).ProcessJob(context.Background(), newJob(t, "clean", `{"text":"a b. c d."}`))
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(f.media, "clean", "audio"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(f.media, "clean", "video", "clean.mp4"))
	assert.NoError(t, statErr)
}

func TestProcessJob_ProgressEvents(t *testing.T) {
	f := newFixture(t, 1)
	events, cancel := f.bus.Subscribe("ev")
	defer cancel()

	j := newJob(t, "ev", `{"text":"a b. c d.","request_id":"req-7"}`)
	_, err := New(f.deps).ProcessJob(context.Background(), j)
	require.NoError(t, err)

	var types []progress.Type
	for e := range events {
		assert.Equal(t, "req-7", e.RequestID)
		types = append(types, e.Type)
	}
	assert.Equal(t, []progress.Type{
		progress.TypeStart,
		progress.TypeSynthesized,
		progress.TypeSynthesized,
		progress.TypeRendered,
		progress.TypeRendered,
		progress.TypeMerging,
		progress.TypeDone,
	}, types)
}

func TestProcessJob_ErrorEventClosesStream(t *testing.T) {
	f := newFixture(t, 1)
	f.avatar.Fail = func(ports.RenderRequest) error { return stderrors.New("boom") }
	events, cancel := f.bus.Subscribe("err")
	defer cancel()

	_, err := New(f.deps).ProcessJob(context.Background(), newJob(t, "err", `{"text":"a b"}`))
	require.Error(t, err)

	var last progress.Event
	for e := range events {
		last = e
	}
	assert.Equal(t, progress.TypeError, last.Type)
	assert.Contains(t, last.Error, "boom")
}
