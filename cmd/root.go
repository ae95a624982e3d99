package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/drivebackup/internal/config"
	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/operations"
)

// DefaultConfigFile is where the settings record lives unless --config says otherwise.
const DefaultConfigFile = "config/drivebackup/config.json"

var (
	// ConfigFile is the path to the JSON settings record.
	ConfigFile string
	// LogLevel overrides log_level from the settings when set.
	LogLevel string

	// rootCmd is the base command for drivebackup.
	rootCmd = &cobra.Command{
		Use:   "drivebackup",
		Short: "Scheduled world backups to Google Drive",
		Long: `drivebackup archives game worlds and mods, uploads them to a
Google Drive folder and keeps only the newest copies.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() {
	defer logger.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		stop()
		logger.Cleanup()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", DefaultConfigFile, "path to JSON settings file")
	rootCmd.PersistentFlags().
		StringVar(&LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
}

// openManager loads the settings, initializes the process logger at the
// effective level and builds the operation manager.
func openManager(ctx context.Context, opts ...operations.ManagerOption) (*operations.OperationManager, logger.Logger, error) {
	store, err := config.Load(ConfigFile)
	if err != nil {
		return nil, nil, err
	}

	level := LogLevel
	if level == "" {
		level = store.Settings().LogLevel
	}
	log, err := logger.Init(level)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]operations.ManagerOption{operations.WithLogger(log)}, opts...)
	om, err := operations.NewOperationManagerFromStore(ctx, store, opts...)
	if err != nil {
		return nil, nil, err
	}
	return om, log, nil
}
