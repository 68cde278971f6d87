package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/speaker"
	"chorus/internal/store"
)

func newSpeakersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speakers",
		Short: "Manage persistent speaker profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newSpeakersListCommand(ctx))
	cmd.AddCommand(newSpeakersRenameCommand(ctx))
	cmd.AddCommand(newSpeakersMergeCommand(ctx))
	cmd.AddCommand(newSpeakersSuggestionsCommand(ctx))
	cmd.AddCommand(newSpeakersConfirmCommand(ctx))
	cmd.AddCommand(newSpeakersRejectCommand(ctx))
	return cmd
}

func newSpeakersListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known speaker profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				profiles, err := st.ListSpeakerProfiles(cmdCtx)
				if err != nil {
					return err
				}
				if len(profiles) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No speaker profiles yet")
					return nil
				}

				rows := make([][]string, 0, len(profiles))
				for _, profile := range profiles {
					references, err := st.ListReferenceEmbeddings(cmdCtx, profile.ID)
					if err != nil {
						return err
					}
					rows = append(rows, []string{
						shortID(profile.ID),
						profile.Label,
						string(profile.Verification),
						fmt.Sprintf("%d", len(references)),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "LABEL", "VERIFICATION", "REFERENCES"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func newSpeakersRenameCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <profile-id> <label>",
		Short: "Rename a speaker profile and mark it user-confirmed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				profile, err := resolveProfile(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				label := strings.TrimSpace(args[1])
				if label == "" {
					return fmt.Errorf("label must not be empty")
				}
				profile.Label = label
				profile.Verification = store.VerificationUserConfirmed

				resolver := speaker.NewResolver(st, cfg, logging.NewNop())
				if err := resolver.UpsertProfile(cmdCtx, profile); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", shortID(profile.ID), label)
				return nil
			})
		},
	}
}

func newSpeakersMergeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <target-id> <source-id>",
		Short: "Fold one speaker profile into another",
		Long: "Fold the source profile into the target: every assignment and reference " +
			"embedding moves to the target, the source is removed, and pending " +
			"suggestions are re-scored against the merged voice.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				target, err := resolveProfile(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				source, err := resolveProfile(cmdCtx, st, args[1])
				if err != nil {
					return err
				}

				resolver := speaker.NewResolver(st, cfg, logging.NewNop())
				if err := resolver.MergeProfiles(cmdCtx, target.ID, source.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into %s (%s)\n",
					shortID(source.ID), shortID(target.ID), target.Label)
				return nil
			})
		},
	}
}

func newSpeakersSuggestionsCommand(ctx *commandContext) *cobra.Command {
	var jobFilter string

	cmd := &cobra.Command{
		Use:   "suggestions",
		Short: "List speaker matches awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				jobID := ""
				if trimmed := strings.TrimSpace(jobFilter); trimmed != "" {
					job, err := resolveJob(cmdCtx, st, trimmed)
					if err != nil {
						return err
					}
					jobID = job.ID
				}

				assignments, err := st.ListSpeakerAssignments(cmdCtx, jobID, "")
				if err != nil {
					return err
				}

				var rows [][]string
				for _, assignment := range assignments {
					if assignment.Decision != store.DecisionSuggested {
						continue
					}
					profileLabel := assignment.ProfileID
					if profile, err := st.GetSpeakerProfile(cmdCtx, assignment.ProfileID); err == nil {
						profileLabel = profile.Label
					}
					rows = append(rows, []string{
						shortID(assignment.JobID),
						assignment.Label,
						profileLabel,
						fmt.Sprintf("%.2f", assignment.Confidence),
					})
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No suggestions awaiting review")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"JOB", "LABEL", "SUGGESTED PROFILE", "CONFIDENCE"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&jobFilter, "job", "", "Only show suggestions for this job")
	return cmd
}

func newSpeakersConfirmCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <job-id> <label>",
		Short: "Accept a suggested speaker match",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				job, err := resolveJob(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				resolver := speaker.NewResolver(st, cfg, logging.NewNop())
				if err := resolver.ConfirmSuggestion(cmdCtx, job.ID, args[1]); err != nil {
					if err == store.ErrNotFound {
						return fmt.Errorf("no pending suggestion for %s in job %s", args[1], shortID(job.ID))
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s on job %s\n", args[1], shortID(job.ID))
				return nil
			})
		},
	}
}

func newSpeakersRejectCommand(ctx *commandContext) *cobra.Command {
	var newLabel string

	cmd := &cobra.Command{
		Use:   "reject <job-id> <label>",
		Short: "Dismiss a suggested speaker match",
		Long: "Dismiss a suggested match. With --as, the voice instead seeds a new " +
			"user-confirmed profile under the given name.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				job, err := resolveJob(cmdCtx, st, args[0])
				if err != nil {
					return err
				}
				resolver := speaker.NewResolver(st, cfg, logging.NewNop())
				if err := resolver.RejectSuggestion(cmdCtx, job.ID, args[1], strings.TrimSpace(newLabel)); err != nil {
					if err == store.ErrNotFound {
						return fmt.Errorf("no pending suggestion for %s in job %s", args[1], shortID(job.ID))
					}
					return err
				}
				if strings.TrimSpace(newLabel) != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s on job %s, registered new profile %q\n",
						args[1], shortID(job.ID), strings.TrimSpace(newLabel))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s on job %s\n", args[1], shortID(job.ID))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&newLabel, "as", "", "Register the voice as a new profile with this label")
	return cmd
}

// resolveProfile accepts a full profile ID, an unambiguous prefix, or an
// exact label.
func resolveProfile(ctx context.Context, st *store.Store, arg string) (*store.SpeakerProfile, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("profile id is required")
	}

	if profile, err := st.GetSpeakerProfile(ctx, arg); err == nil {
		return profile, nil
	}

	profiles, err := st.ListSpeakerProfiles(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*store.SpeakerProfile
	for _, candidate := range profiles {
		if strings.HasPrefix(candidate.ID, arg) || candidate.Label == arg {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no speaker profile matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q is ambiguous, %d profiles match", arg, len(matches))
	}
}
