package processor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"avatarpipe/internal/audit"
	"avatarpipe/internal/job"
	"avatarpipe/internal/observability"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/ports"
	"avatarpipe/internal/progress"
)

// OutputHandler publishes rendered clips and the merged video.
type OutputHandler struct {
	uploader ports.Uploader
	merger   ports.Merger
	progress progress.Publisher
	log      *logger.Logger
}

func NewOutputHandler(up ports.Uploader, merger ports.Merger, pub progress.Publisher, log *logger.Logger) *OutputHandler {
	return &OutputHandler{uploader: up, merger: merger, progress: pub, log: log}
}

// Upload publishes every clip in segment order and records where each one
// ended up. A clip that could not be uploaded is referenced by local path.
func (oh *OutputHandler) Upload(ctx context.Context, j *job.Job, tasks []SegmentTask, clips []string, clipLog *audit.Log) ([]string, error) {
	refs := make([]string, len(clips))
	for i, clip := range clips {
		t := tasks[i]

		uctx, span := observability.StartSpan(ctx, "pipeline.upload",
			attribute.String("job.id", j.ID),
			attribute.Int("segment", t.Index),
		)
		ref, uploaded := UploadOrLocal(uctx, oh.uploader, clip)
		span.SetAttributes(attribute.Bool("uploaded", uploaded))
		span.End()

		if !uploaded {
			oh.log.WithJobID(j.ID).WithSegment(t.Index).Warn("upload unavailable, keeping local path", "path", clip)
		}
		refs[i] = ref

		if err := clipLog.Append(audit.ClipRecord{
			TextClipID:     t.Index,
			VideoPath:      ref,
			AvatarActionID: t.ActionID,
		}); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// Merge concatenates the clips when the job asks for it and there is more
// than one. It returns nil when no merge was done.
func (oh *OutputHandler) Merge(ctx context.Context, j *job.Job, layout *Layout, clips []string) (*string, error) {
	if !j.Message.Merge || len(clips) < 2 {
		return nil, nil
	}
	if oh.merger == nil {
		return nil, fmt.Errorf("no merger configured")
	}

	e := event(j, progress.TypeMerging)
	e.Total = len(clips)
	oh.progress.Publish(e)

	out := layout.MergedPath(j.ID)
	mctx, span := observability.StartSpan(ctx, "pipeline.merge",
		attribute.String("job.id", j.ID),
		attribute.Int("clips", len(clips)),
	)
	err := oh.merger.Merge(mctx, clips, out)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	ref, uploaded := UploadOrLocal(ctx, oh.uploader, out)
	if !uploaded {
		oh.log.WithJobID(j.ID).Warn("upload unavailable for merged video, keeping local path", "path", out)
	}
	return &ref, nil
}
