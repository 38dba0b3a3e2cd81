package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"avatarpipe/internal/audit"
	"avatarpipe/internal/config"
	"avatarpipe/internal/job"
	"avatarpipe/internal/worker/queue"
)

type recoverOptions struct {
	jobID     string
	merged    string
	gender    string
	lang      string
	noAvatar  bool
	doneQueue string
	fields    []string
	dryRun    bool
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var opts recoverOptions

	cmd := &cobra.Command{
		Use:   "recover <clips-log>",
		Short: "Rebuild a done message from a clips audit log and publish it",
		Long: "Reads session_<ts>_clips.jsonl from a job's logs directory and publishes the\n" +
			"done message the worker would have sent. Use it when a job rendered its clips\n" +
			"but the result never reached the done queue.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, res, err := buildRecovery(args[0], opts)
			if err != nil {
				return err
			}
			body, err := job.DoneMessage(j, res)
			if err != nil {
				return err
			}

			if opts.dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			return ctx.withSession(cmd.Context(), func(s queue.Session, cfg *config.Config) error {
				target := j.DoneQueue(cfg.QueueDone)
				if err := s.Publish(cmd.Context(), target, body); err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published %d clips of job %s to %s\n", len(res.Clips), res.JobID, target)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.jobID, "job-id", "", "Job id (defaults to the job directory name)")
	cmd.Flags().StringVar(&opts.merged, "merged", "", "Merged video location (defaults to the local merged file when present)")
	cmd.Flags().StringVar(&opts.gender, "gender", job.DefaultGender, "Gender echoed in the done message")
	cmd.Flags().StringVar(&opts.lang, "lang", job.DefaultLang, "Language echoed in the done message")
	cmd.Flags().BoolVar(&opts.noAvatar, "no-avatar", false, "Echo use_avatar=false")
	cmd.Flags().StringVar(&opts.doneQueue, "done-queue", "", "Publish to this queue instead of the default done queue")
	cmd.Flags().StringArrayVar(&opts.fields, "field", nil, "Input field to echo as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the message instead of publishing it")

	return cmd
}

// buildRecovery reads the clips log at path, laid out as
// <media>/<job>/logs/session_<ts>_clips.jsonl, and rebuilds the job result.
// When a segment was logged more than once the last record wins.
func buildRecovery(path string, opts recoverOptions) (*job.Job, *job.Result, error) {
	records, err := audit.ReadClips(path)
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s has no clip records", path)
	}

	byIndex := make(map[int]audit.ClipRecord, len(records))
	for _, r := range records {
		byIndex[r.TextClipID] = r
	}
	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	clips := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		clips = append(clips, byIndex[idx].VideoPath)
	}

	logsDir := filepath.Dir(path)
	jobRoot := filepath.Dir(logsDir)
	jobID := opts.jobID
	if jobID == "" {
		jobID = filepath.Base(jobRoot)
	}
	if jobID == "" || jobID == "." || jobID == string(filepath.Separator) {
		return nil, nil, errors.New("cannot infer the job id; pass --job-id")
	}

	res := &job.Result{
		JobID:   jobID,
		Clips:   clips,
		ClipLog: path,
	}
	if ids := idsLogFor(path); ids != "" {
		res.APILog = ids
	}

	merged := opts.merged
	if merged == "" {
		local := filepath.Join(jobRoot, "video", jobID+".mp4")
		if _, err := os.Stat(local); err == nil {
			merged = local
		}
	}
	if merged != "" {
		res.Merged = &merged
	}

	msg := &job.Message{
		Gender:    opts.gender,
		Lang:      opts.lang,
		UseAvatar: !opts.noAvatar,
		Merge:     res.Merged != nil,
		DoneQueue: opts.doneQueue,
	}
	if err := setFields(msg, opts.fields); err != nil {
		return nil, nil, err
	}

	return job.New(jobID, msg), res, nil
}

// idsLogFor returns the ids log written next to a clips log, if it exists.
func idsLogFor(clipsPath string) string {
	suffix := "_" + audit.KindClips + ".jsonl"
	if !strings.HasSuffix(clipsPath, suffix) {
		return ""
	}
	ids := strings.TrimSuffix(clipsPath, suffix) + "_" + audit.KindIDs + ".jsonl"
	if _, err := os.Stat(ids); err != nil {
		return ""
	}
	return ids
}
