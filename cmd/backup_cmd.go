package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/drivebackup/internal/console"
	"github.com/kebairia/drivebackup/internal/operations"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup of every configured target and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		om, log, err := openManager(cmd.Context(), operations.WithStatusNotifier(func(msg string) {
			fmt.Fprintln(out, msg)
		}))
		if err != nil {
			return err
		}
		defer om.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sched := om.Scheduler()
		sched.CancelSchedule()
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := sched.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error("scheduler stopped", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()

		resp := console.Execute(ctx, om, []string{"backup"})
		if !resp.OK {
			fmt.Fprintln(out, resp.Message)
			return errCommandFailed
		}
		report, err := resp.Ticket.Wait(ctx)
		if err != nil {
			return err
		}
		switch report.Status {
		case operations.RunSkipped, operations.RunFailed:
			return errCommandFailed
		}
		return nil
	},
}
