package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chorus/internal/config"
	"chorus/internal/daemon"
	"chorus/internal/logging"
	"chorus/internal/notifications"
	"chorus/internal/services/ytdlp"
	"chorus/internal/store"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var language string
	var summaryPrompt string
	var speakersMin int
	var speakersMax int
	var user string

	cmd := &cobra.Command{
		Use:   "submit <path-or-url>",
		Short: "Queue a media file or URL for processing",
		Long: "Queue a local media file or a remote URL for processing. A playlist URL " +
			"expands into one job per item.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cmdCtx context.Context, cfg *config.Config, st *store.Store) error {
				downloader := ytdlp.NewService(ytdlp.Config{
					Binary:           cfg.Downloader.Binary,
					TimeoutSeconds:   cfg.Downloader.TimeoutSeconds,
					MaxPlaylistItems: cfg.Downloader.MaxPlaylistItems,
				})
				submitter := daemon.NewSubmitter(cfg, st, downloader, notifications.NewService(cfg), logging.NewNop())

				req := daemon.SubmitRequest{
					UserID:          user,
					Language:        language,
					SummaryPrompt:   summaryPrompt,
					SpeakerCountMin: speakersMin,
					SpeakerCountMax: speakersMax,
				}
				target := strings.TrimSpace(args[0])
				if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
					req.URL = target
				} else {
					req.Path = target
				}

				results, err := submitter.Submit(cmdCtx, req)
				if err != nil {
					return err
				}
				for _, result := range results {
					if result.Duplicate {
						fmt.Fprintf(cmd.OutOrStdout(), "Already queued as %s (%s), skipping\n",
							shortID(result.Job.ID), result.Job.Status)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s)\n",
						shortID(result.Job.ID), displayTitle(result.Job))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&language, "language", "", "Expected language code, e.g. en")
	cmd.Flags().StringVar(&summaryPrompt, "summarize", "", "Enable summarization with this prompt")
	cmd.Flags().IntVar(&speakersMin, "speakers-min", 0, "Minimum expected speaker count")
	cmd.Flags().IntVar(&speakersMax, "speakers-max", 0, "Maximum expected speaker count")
	cmd.Flags().StringVar(&user, "user", "", "Submitting user identifier")
	return cmd
}
