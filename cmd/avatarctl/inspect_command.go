package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"avatarpipe/internal/audit"
)

func newInspectCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "inspect <audit-log>",
		Short: "Print an ids or clips audit log as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := inspectLog(args[0], kind)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Log kind (ids or clips); inferred from the file name when empty")

	return cmd
}

func inspectLog(path, kind string) (string, error) {
	if kind == "" {
		kind = logKind(path)
	}

	switch kind {
	case audit.KindIDs:
		records, err := audit.ReadIDs(path)
		if err != nil {
			return "", err
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				strconv.Itoa(r.TextClipID),
				strconv.Itoa(r.OrigVoiceID),
				strconv.Itoa(r.AvatarActionID),
				strconv.Itoa(r.AvatarGenderID),
				strconv.Itoa(r.VoiceGenderID),
			})
		}
		table := renderTable(
			[]string{"Segment", "Voice", "Action", "Avatar Gender", "Voice Gender"},
			rows,
			[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
		)
		return table + fmt.Sprintf("\n%d records", len(records)), nil

	case audit.KindClips:
		records, err := audit.ReadClips(path)
		if err != nil {
			return "", err
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				strconv.Itoa(r.TextClipID),
				strconv.Itoa(r.AvatarActionID),
				r.VideoPath,
			})
		}
		table := renderTable(
			[]string{"Segment", "Action", "Video"},
			rows,
			[]columnAlignment{alignRight, alignRight, alignLeft},
		)
		return table + fmt.Sprintf("\n%d records", len(records)), nil

	default:
		return "", fmt.Errorf("cannot tell the log kind of %s; pass --kind ids or --kind clips", filepath.Base(path))
	}
}

func logKind(path string) string {
	name := filepath.Base(path)
	for _, k := range []string{audit.KindIDs, audit.KindClips} {
		if strings.HasSuffix(name, "_"+k+".jsonl") {
			return k
		}
	}
	return ""
}
