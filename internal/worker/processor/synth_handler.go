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
	"avatarpipe/internal/worker/actions"
)

// SynthHandler produces the audio of every segment, in order, and assigns
// each one its render action before anything is rendered.
type SynthHandler struct {
	synth    ports.Synthesizer
	actions  *actions.Pool
	progress progress.Publisher
	log      *logger.Logger
}

func NewSynthHandler(synth ports.Synthesizer, pool *actions.Pool, pub progress.Publisher, log *logger.Logger) *SynthHandler {
	return &SynthHandler{synth: synth, actions: pool, progress: pub, log: log}
}

// Run synthesizes segments sequentially and records one ids audit entry per
// segment. It stops at the first failure.
func (h *SynthHandler) Run(ctx context.Context, j *job.Job, layout *Layout, segments []string, ids *audit.Log) ([]SegmentTask, error) {
	msg := j.Message
	tasks := make([]SegmentTask, 0, len(segments))

	for i, text := range segments {
		idx := i + 1
		log := h.log.WithJobID(j.ID).WithSegment(idx)

		actionID := h.actions.Next()
		wav := layout.AudioPath(idx)

		sctx, span := observability.StartSpan(ctx, "pipeline.synthesize",
			attribute.String("job.id", j.ID),
			attribute.Int("segment", idx),
			attribute.String("lang", msg.Lang),
		)
		err := h.synth.Synthesize(sctx, text, msg.Gender, msg.Lang, wav)
		observability.EndSpan(span, err)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", idx, err)
		}

		if err := ids.Append(audit.NewIDRecord(idx, actionID, msg.Gender)); err != nil {
			return nil, err
		}

		log.Debug("segment synthesized", "action_id", actionID, "audio", wav)

		e := event(j, progress.TypeSynthesized)
		e.Segment = idx
		e.Total = len(segments)
		h.progress.Publish(e)

		tasks = append(tasks, SegmentTask{Index: idx, Text: text, Audio: wav, ActionID: actionID})
	}
	return tasks, nil
}
