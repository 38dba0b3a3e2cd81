// Package processor runs the text-to-video pipeline of one job: segment,
// synthesize, render, upload, merge.
package processor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"avatarpipe/internal/audit"
	"avatarpipe/internal/job"
	"avatarpipe/internal/observability"
	"avatarpipe/internal/pkg/errors"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
	"avatarpipe/internal/worker/actions"
	"avatarpipe/internal/worker/gpu"
	"avatarpipe/internal/worker/pool"
)

type Deps struct {
	Segmenter   ports.Segmenter
	Synthesizer ports.Synthesizer
	// Avatar renders lip-synced clips; Still renders jobs with useAvatar=false.
	Avatar   ports.Renderer
	Still    ports.Renderer
	Merger   ports.Merger
	Uploader ports.Uploader

	Actions  *actions.Pool
	GPU      *gpu.Semaphore
	Workers  *pool.Pool
	Progress progress.Publisher

	MediaRoot    string
	CleanupLocal bool
	Log          *logger.Logger
}

type Processor struct {
	segmenter ports.Segmenter
	mediaRoot string
	progress  progress.Publisher
	log       *logger.Logger

	synth    *SynthHandler
	renderer *RendererAdapter
	output   *OutputHandler
	cleanup  *Cleanup
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	if d.Actions == nil {
		d.Actions = actions.NewPool(actions.DefaultSize)
	}
	if d.GPU == nil {
		d.GPU = gpu.New(1)
	}
	if d.Workers == nil {
		d.Workers = pool.New(1)
	}
	if d.Progress == nil {
		d.Progress = progress.Discard{}
	}
	if d.Uploader == nil {
		d.Uploader = noUpload{}
	}

	return &Processor{
		segmenter: d.Segmenter,
		mediaRoot: d.MediaRoot,
		progress:  d.Progress,
		log:       log,
		synth:     NewSynthHandler(d.Synthesizer, d.Actions, d.Progress, log),
		renderer:  NewRendererAdapter(d.Avatar, d.Still, d.GPU, d.Workers, d.Progress, log),
		output:    NewOutputHandler(d.Uploader, d.Merger, d.Progress, log),
		cleanup:   NewCleanup(d.CleanupLocal, log),
	}
}

// ProcessJob runs every stage of j. Any stage error aborts the rest and is
// returned as a StageFailure; files of completed segments are left on disk.
func (p *Processor) ProcessJob(ctx context.Context, j *job.Job) (res *job.Result, err error) {
	log := p.log.FromContext(ctx).WithJobID(j.ID)
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "pipeline.job",
		attribute.String("job.id", j.ID),
		attribute.Int("job.attempt", j.Attempt),
		attribute.Bool("use_avatar", j.Message.UseAvatar),
	)
	defer func() {
		observability.EndSpan(span, err)
		if err != nil {
			e := event(j, progress.TypeError)
			e.Error = Truncate(err.Error(), maxErrorLen)
			p.progress.Publish(e)
		}
	}()

	p.progress.Publish(event(j, progress.TypeStart))

	// 1. Workspace and audit logs
	layout, err := NewLayout(p.mediaRoot, j.ID)
	if err != nil {
		return nil, errors.StageFailure(err, "prepare")
	}
	ids, err := audit.Open(layout.Logs, audit.KindIDs, j.ReceivedAt)
	if err != nil {
		return nil, errors.StageFailure(err, "prepare")
	}
	defer ids.Close()
	clipLog, err := audit.Open(layout.Logs, audit.KindClips, j.ReceivedAt)
	if err != nil {
		return nil, errors.StageFailure(err, "prepare")
	}
	defer clipLog.Close()

	// 2. Segmentation
	segments := p.segmenter.Split(j.Message.Text)
	if len(segments) == 0 {
		return nil, errors.StageFailure(errors.Validation("text produced no segments"), "segment")
	}
	log.Info("text segmented", "segments", len(segments), "lang", j.Message.Lang, "gender", j.Message.Gender)

	// 3. Speech, in segment order
	tasks, err := p.synth.Run(ctx, j, layout, segments, ids)
	if err != nil {
		return nil, errors.StageFailure(err, "synthesize")
	}

	// 4. Render on the worker pool
	clips, err := p.renderer.Render(ctx, j, layout, tasks)
	if err != nil {
		return nil, errors.StageFailure(err, "render")
	}

	// 5. Upload
	refs, err := p.output.Upload(ctx, j, tasks, clips, clipLog)
	if err != nil {
		return nil, errors.StageFailure(err, "upload")
	}

	// 6. Merge
	merged, err := p.output.Merge(ctx, j, layout, clips)
	if err != nil {
		return nil, errors.StageFailure(err, "merge")
	}

	p.cleanup.CleanupJob(j.ID, layout)

	res = &job.Result{
		JobID:   j.ID,
		Clips:   refs,
		Merged:  merged,
		APILog:  ids.Path(),
		ClipLog: clipLog.Path(),
	}

	done := event(j, progress.TypeDone)
	done.Clips = refs
	if merged != nil {
		done.Merged = *merged
	}
	p.progress.Publish(done)

	log.Info("pipeline finished",
		"clips", len(refs),
		"merged", merged != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
