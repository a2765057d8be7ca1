package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dkeye/studio/internal/adapters/jobqueue"
	"github.com/dkeye/studio/internal/domain"
)

func (c *commandContext) withQueue(fn func(*jobqueue.Store) error) error {
	store, err := jobqueue.Open(c.cfg.Queue.Path, c.cfg.Queue.MaxAttempts)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List pipeline jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch domain.JobStatus(status) {
			case "", domain.JobPending, domain.JobRunning, domain.JobDone, domain.JobDead:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return ctx.withQueue(func(store *jobqueue.Store) error {
				jobs, err := store.List(cmd.Context(), domain.JobStatus(status))
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Key", "Kind", "Status", "Attempts", "Updated", "Last error"},
					buildJobRows(jobs, time.Now()),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show jobs in this status (pending, running, done, dead)")
	return cmd
}

func buildJobRows(jobs []domain.Job, now time.Time) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.Key,
			string(j.Kind),
			string(j.Status),
			strconv.Itoa(j.Attempts) + "/" + strconv.Itoa(j.MaxAttempts),
			humanize.RelTime(j.UpdatedAt, now, "ago", "from now"),
			truncate(j.LastError, 60),
		})
	}
	return rows
}

// truncate keeps the first line of s, cut to n runes.
func truncate(s string, n int) string {
	s, _, _ = strings.Cut(s, "\n")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry KEY",
		Short: "Reset a dead job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(store *jobqueue.Store) error {
				if err := store.Retry(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued for retry\n", args[0])
				return nil
			})
		},
	}
}
