package processor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"avatarpipe/internal/job"
	"avatarpipe/internal/observability"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
	"avatarpipe/internal/worker/gpu"
	"avatarpipe/internal/worker/pool"
)

// RendererAdapter fans a job's segments out to the shared worker pool.
// Avatar renders run under the GPU semaphore; still renders do not need it.
type RendererAdapter struct {
	avatar   ports.Renderer
	still    ports.Renderer
	gpu      *gpu.Semaphore
	workers  *pool.Pool
	progress progress.Publisher
	log      *logger.Logger
}

func NewRendererAdapter(avatar, still ports.Renderer, sem *gpu.Semaphore, workers *pool.Pool, pub progress.Publisher, log *logger.Logger) *RendererAdapter {
	return &RendererAdapter{avatar: avatar, still: still, gpu: sem, workers: workers, progress: pub, log: log}
}

// Render returns the clip of every task indexed by segment order, whatever
// order the renders complete in. The first failure skips tasks that have not
// started yet.
func (ra *RendererAdapter) Render(ctx context.Context, j *job.Job, layout *Layout, tasks []SegmentTask) ([]string, error) {
	clips := make([]string, len(tasks))
	useAvatar := j.Message.UseAvatar

	r := ra.still
	if useAvatar {
		r = ra.avatar
	}
	if r == nil {
		return nil, fmt.Errorf("no renderer configured (use_avatar=%t)", useAvatar)
	}

	g := ra.workers.Group(ctx)
	for _, t := range tasks {
		g.Go(func(ctx context.Context) error {
			req := ports.RenderRequest{
				JobID:     j.ID,
				Segment:   t.Index,
				AudioPath: t.Audio,
				Gender:    j.Message.Gender,
				ActionID:  t.ActionID,
				OutputDir: layout.Video,
			}

			rctx, span := observability.StartSpan(ctx, "pipeline.render",
				attribute.String("job.id", j.ID),
				attribute.Int("segment", t.Index),
				attribute.Int("action_id", t.ActionID),
				attribute.Bool("use_avatar", useAvatar),
			)
			var clip string
			render := func() error {
				var err error
				clip, err = r.Render(rctx, req)
				return err
			}
			var err error
			if useAvatar {
				err = ra.gpu.Do(rctx, render)
			} else {
				err = render()
			}
			observability.EndSpan(span, err)
			if err != nil {
				return fmt.Errorf("segment %d: %w", t.Index, err)
			}

			clips[t.Index-1] = clip
			ra.log.WithJobID(j.ID).WithSegment(t.Index).Debug("segment rendered", "clip", clip)

			e := event(j, progress.TypeRendered)
			e.Segment = t.Index
			e.Total = len(tasks)
			e.Clip = clip
			ra.progress.Publish(e)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clips, nil
}
