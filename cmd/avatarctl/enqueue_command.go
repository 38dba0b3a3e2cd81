package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"avatarpipe/internal/config"
	"avatarpipe/internal/job"
	"avatarpipe/internal/worker/queue"
	"avatarpipe/internal/worker/util"
)

type enqueueOptions struct {
	text      string
	textFile  string
	gender    string
	lang      string
	noAvatar  bool
	noMerge   bool
	doneQueue string
	requestID string
	fields    []string
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var opts enqueueOptions

	cmd := &cobra.Command{
		Use:   "enqueue [text]",
		Short: "Publish a job to the input queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.text = args[0]
			}
			if opts.textFile != "" {
				text, err := readText(cmd.InOrStdin(), opts.textFile)
				if err != nil {
					return err
				}
				opts.text = text
			}

			msg, err := buildMessage(opts)
			if err != nil {
				return err
			}
			body, err := msg.Marshal()
			if err != nil {
				return err
			}

			return ctx.withSession(cmd.Context(), func(s queue.Session, cfg *config.Config) error {
				if err := s.Publish(cmd.Context(), cfg.QueueIn, body); err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued request %s on %s\n", msg.StringField("request_id"), cfg.QueueIn)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.textFile, "file", "f", "", "Read the text from a file (- for stdin)")
	cmd.Flags().StringVar(&opts.gender, "gender", job.DefaultGender, "Voice and avatar gender (m or f)")
	cmd.Flags().StringVar(&opts.lang, "lang", job.DefaultLang, "Language code")
	cmd.Flags().BoolVar(&opts.noAvatar, "no-avatar", false, "Render on the still background instead of the avatar")
	cmd.Flags().BoolVar(&opts.noMerge, "no-merge", false, "Skip the merged video")
	cmd.Flags().StringVar(&opts.doneQueue, "done-queue", "", "Publish the result to this queue instead of the default")
	cmd.Flags().StringVar(&opts.requestID, "request-id", "", "Correlation id (generated when empty)")
	cmd.Flags().StringArrayVar(&opts.fields, "field", nil, "Extra passthrough field as key=value (repeatable)")

	return cmd
}

// buildMessage assembles and validates the payload exactly as the worker
// will decode it.
func buildMessage(opts enqueueOptions) (*job.Message, error) {
	if strings.TrimSpace(opts.text) == "" {
		return nil, errors.New("text is required: pass it as an argument or with --file")
	}

	msg := &job.Message{
		Text:      opts.text,
		Gender:    opts.gender,
		Lang:      opts.lang,
		UseAvatar: !opts.noAvatar,
		Merge:     !opts.noMerge,
		DoneQueue: opts.doneQueue,
	}
	if err := setFields(msg, opts.fields); err != nil {
		return nil, err
	}

	requestID := opts.requestID
	if requestID == "" {
		requestID = util.NewJobID()
	}
	if err := msg.SetField("request_id", requestID); err != nil {
		return nil, err
	}

	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	return job.Decode(body)
}

// setFields stores key=value pairs. Values that parse as JSON keep their
// type, so page_id=7 stays a number.
func setFields(msg *job.Message, fields []string) error {
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid --field %q: want key=value", f)
		}
		switch key {
		case "text", "retry", "last_error":
			return fmt.Errorf("invalid --field %q: %s is managed by the pipeline", f, key)
		}

		var v any = value
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			v = parsed
		}
		if err := msg.SetField(key, v); err != nil {
			return err
		}
	}
	return nil
}

func readText(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(b), nil
}
