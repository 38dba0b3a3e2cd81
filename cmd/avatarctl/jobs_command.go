package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"avatarpipe/internal/config"
	"avatarpipe/internal/models"
	"avatarpipe/internal/repositories"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		filter   repositories.JobFilter
		jsonMode bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%w: DATABASE_URL", config.ErrMissingRequired)
			}

			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to PostgreSQL: %w", err)
			}
			defer pool.Close()

			recs, err := repositories.NewPostgresJobRepository(pool).List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), recs, jsonMode)
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", "", "Only jobs in this status")
	cmd.Flags().StringVar(&filter.RequestID, "request-id", "", "Only jobs of this request")
	cmd.Flags().IntVar(&filter.Limit, "limit", repositories.DefaultListLimit, "Maximum number of jobs")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print JSON instead of a table")

	return cmd
}

func printJobs(w io.Writer, recs []models.JobRecord, jsonMode bool) error {
	if jsonMode {
		if recs == nil {
			recs = []models.JobRecord{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(w, "No jobs recorded")
		return nil
	}

	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.ID,
			r.Status,
			strconv.Itoa(r.Attempt),
			r.RequestID,
			r.PageID,
			strconv.Itoa(r.Segments),
			strconv.Itoa(len(r.Clips)),
			r.UpdatedAt.Local().Format(time.DateTime),
			truncate(r.LastError, 40),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Job", "Status", "Attempt", "Request", "Page", "Segments", "Clips", "Updated", "Last Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
	return nil
}
