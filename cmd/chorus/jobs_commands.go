package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/config"
	"chorus/internal/store"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in the processing queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				var statuses []store.Status
				if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
					for _, value := range strings.Split(trimmed, ",") {
						status, ok := store.ParseStatus(value)
						if !ok {
							return fmt.Errorf("unknown status %q", value)
						}
						statuses = append(statuses, status)
					}
				}

				jobs, err := st.ListJobs(cmdCtx, statuses...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
					return nil
				}

				sort.SliceStable(jobs, func(i, j int) bool {
					return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
				})

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						shortID(job.ID),
						displayTitle(job),
						string(job.Status),
						string(job.Stage),
						fmt.Sprintf("%.0f%%", job.ProgressPercent),
						relativeTime(job.UpdatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "TITLE", "STATUS", "STAGE", "PROGRESS", "UPDATED"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter (pending,running,succeeded,failed,cancelled)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var eventCount int

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's details and recent progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				job, err := resolveJob(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				fmt.Fprintf(out, "Job:     %s\n", job.ID)
				fmt.Fprintf(out, "Title:   %s\n", displayTitle(job))
				fmt.Fprintf(out, "Status:  %s\n", job.Status)
				fmt.Fprintf(out, "Stage:   %s\n", job.Stage)
				if job.Config.SourceURL != "" {
					fmt.Fprintf(out, "Source:  %s\n", job.Config.SourceURL)
					if job.Config.PlaylistIndex > 0 {
						fmt.Fprintf(out, "Item:    #%d\n", job.Config.PlaylistIndex)
					}
				} else if job.SourcePath != "" {
					fmt.Fprintf(out, "Source:  %s\n", job.SourcePath)
				}
				if job.ErrorKind != "" {
					fmt.Fprintf(out, "Error:   [%s] %s\n", job.ErrorKind, job.ErrorMessage)
				}
				if job.NextRetryAt != nil {
					fmt.Fprintf(out, "Retry:   not before %s\n", job.NextRetryAt.Local().Format(time.RFC3339))
				}

				if len(job.Artifacts) > 0 {
					fmt.Fprintln(out, "\nArtifacts:")
					names := make([]string, 0, len(job.Artifacts))
					for name := range job.Artifacts {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						fmt.Fprintf(out, "  %-12s %s\n", name, job.Artifacts[name])
					}
				}

				if len(job.RetryHistory) > 0 {
					fmt.Fprintln(out, "\nRetry history:")
					for _, record := range job.RetryHistory {
						fmt.Fprintf(out, "  %s attempt %d (%s), backoff %s\n",
							record.Stage, record.Attempt, record.ErrorKind, record.Backoff)
					}
				}

				events, err := st.ListProgress(cmdCtx, job.ID)
				if err != nil {
					return err
				}
				if len(events) > 0 {
					if eventCount > 0 && len(events) > eventCount {
						events = events[len(events)-eventCount:]
					}
					fmt.Fprintln(out, "\nRecent progress:")
					for _, event := range events {
						line := fmt.Sprintf("  #%-4d %-18s %3.0f%%  %s",
							event.Seq, event.Stage, event.Percent, event.Message)
						if event.ErrorKind != "" {
							line += " [" + event.ErrorKind + "]"
						}
						fmt.Fprintln(out, line)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&eventCount, "events", 15, "Number of recent progress events to show")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				job, err := resolveJob(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				cancelled, err := st.CancelJob(cmdCtx, job.ID)
				if err != nil {
					return err
				}
				if !cancelled {
					return fmt.Errorf("job %s is %s and cannot be cancelled", shortID(job.ID), job.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s; a running stage stops at its next checkpoint\n", shortID(job.ID))
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed or cancelled job at its recorded stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				job, err := resolveJob(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				requeued, err := st.RequeueTerminal(cmdCtx, job.ID)
				if err != nil {
					return err
				}
				if !requeued {
					return fmt.Errorf("job %s is %s and cannot be requeued", shortID(job.ID), job.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s at stage %s\n", shortID(job.ID), job.Stage)
				return nil
			})
		},
	}
}

// resolveJob accepts a full job ID or an unambiguous prefix.
func resolveJob(ctx context.Context, st *store.Store, arg string) (*store.Job, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("job id is required")
	}

	job, err := st.GetJob(ctx, arg)
	if err == nil {
		return job, nil
	}

	jobs, listErr := st.ListJobs(ctx)
	if listErr != nil {
		return nil, listErr
	}
	var matches []*store.Job
	for _, candidate := range jobs {
		if strings.HasPrefix(candidate.ID, arg) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no job matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q is ambiguous, %d jobs match", arg, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func displayTitle(job *store.Job) string {
	if strings.TrimSpace(job.Title) != "" {
		return job.Title
	}
	if job.Config.SourceURL != "" {
		return job.Config.SourceURL
	}
	return job.SourcePath
}

func relativeTime(t time.Time) string {
	elapsed := time.Since(t)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}
