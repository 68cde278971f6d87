package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chorus/internal/daemon"
	"chorus/internal/logging"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, pool sizes, and stage readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			d, err := daemon.New(cmd.Context(), cfg, logging.NewNop())
			if err != nil {
				return err
			}
			defer d.Close()

			status, err := d.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Queue: %d total (%d pending, %d running, %d succeeded, %d failed, %d cancelled)\n",
				status.Queue.Total, status.Queue.Pending, status.Queue.Running,
				status.Queue.Succeeded, status.Queue.Failed, status.Queue.Cancelled)

			poolRows := make([][]string, 0, len(status.Pools))
			for _, pool := range status.Pools {
				poolRows = append(poolRows, []string{
					string(pool.Name),
					fmt.Sprintf("%d", pool.Size),
					fmt.Sprintf("%d", pool.QueueWait),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"POOL", "SLOTS", "WAITING"},
				poolRows,
				[]columnAlignment{alignLeft, alignRight, alignRight},
			))

			stageRows := make([][]string, 0, len(status.Stages))
			for _, health := range status.Stages {
				state := "ready"
				if !health.Ready {
					state = "unavailable"
				}
				stageRows = append(stageRows, []string{health.Name, state, health.Detail})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"STAGE", "STATE", "DETAIL"},
				stageRows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
