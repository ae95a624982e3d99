package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/kebairia/drivebackup/internal/console"
	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/operations"
)

// ShutdownTimeout bounds the final backup taken when serve is stopped.
var ShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup scheduler and read commands from stdin",
	Long: `serve runs backups on the configured interval until interrupted.
Console commands (auth, code, backup, config ...) are read line by line from
stdin. On SIGINT or SIGTERM one final backup is taken before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().
		DurationVar(&ShutdownTimeout, "shutdown-timeout", 10*time.Minute, "how long the final backup may take")
}

func serve(ctx context.Context, in io.Reader, out io.Writer) error {
	om, log, err := openManager(ctx, operations.WithStatusNotifier(func(msg string) {
		fmt.Fprintln(out, msg)
	}))
	if err != nil {
		return err
	}
	defer om.Close()

	sup := suture.New("drivebackup", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("supervisor event", "event", e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(om.Scheduler())
	if addr := om.Settings().MetricsAddr; addr != "" {
		sup.Add(operations.NewMetricsServer(addr, om.Registry()))
		log.Info("serving metrics", "addr", addr)
	}

	// The supervisor outlives ctx so the final backup can still run.
	supCtx, stopSup := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSup()
	errCh := sup.ServeBackground(supCtx)

	go readCommands(ctx, om, in, out, log)

	log.Info("backup service started", "config", ConfigFile, "interval", om.Settings().Interval().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supervisor stopped: %w", err)
		}
		return nil
	}

	log.Info("shutting down, running final backup")
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if report, err := om.Scheduler().RequestFinalBackup(finalCtx); err != nil {
		log.Error("final backup did not finish", "error", err)
	} else {
		log.Info("final backup finished", "status", string(report.Status))
	}

	stopSup()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("supervisor stopped with error", "error", err)
	}
	return nil
}

// readCommands feeds stdin lines to the console until EOF or ctx ends.
func readCommands(ctx context.Context, core console.Core, in io.Reader, out io.Writer, log logger.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		resp := console.ExecuteLine(ctx, core, line)
		fmt.Fprintln(out, resp.Message)
	}
	if err := sc.Err(); err != nil {
		log.Warn("stop reading commands", "error", err)
	}
}
