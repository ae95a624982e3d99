package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/drivebackup/internal/console"
)

var errCommandFailed = errors.New("command failed")

// runConsole executes one console command against a freshly opened manager.
func runConsole(cmd *cobra.Command, args ...string) error {
	om, _, err := openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer om.Close()

	resp := console.Execute(cmd.Context(), om, args)
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	if !resp.OK {
		return errCommandFailed
	}
	return nil
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Print the Google authorization URL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runConsole(cmd, "auth")
	},
}

var codeCmd = &cobra.Command{
	Use:   "code <authorization_code>",
	Short: "Exchange an authorization code for a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsole(cmd, "code", args[0])
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the backup configuration",
}

func init() {
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "interval <minutes>",
			Short: "Set the backup interval in minutes",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConsole(cmd, "config", "interval", args[0])
			},
		},
		&cobra.Command{
			Use:   "addworld <name>",
			Short: "Add a world to the backup list",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConsole(cmd, "config", "addworld", args[0])
			},
		},
		&cobra.Command{
			Use:   "removeworld <name>",
			Short: "Remove a world from the backup list",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConsole(cmd, "config", "removeworld", args[0])
			},
		},
		&cobra.Command{
			Use:   "togglemods",
			Short: "Enable or disable the mods backup",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runConsole(cmd, "config", "togglemods")
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runConsole(cmd, "config", "status")
			},
		},
	)
}
