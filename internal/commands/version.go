package commands

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ctagard/dap-relay/internal/version"
)

const checkFlagName = "check"

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information. With --check, also asks GitHub whether a newer release exists.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}
	versionCmd.Flags().Bool(checkFlagName, false, "Check for a newer release")

	return versionCmd, nil
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("version")

		versionStr, err := json.Marshal(version.Current())
		if err != nil {
			log.Error(err, "Could not serialize version information")
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(versionStr))

		if check, _ := cmd.Flags().GetBool(checkFlagName); !check {
			return nil
		}

		info, err := version.CheckForUpdates(cmd.Context())
		if err != nil {
			log.Error(err, "Could not check for updates")
			return err
		}
		if msg := info.UpdateMessage(); msg != "" {
			fmt.Fprintln(cmd.OutOrStdout(), msg)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "dap-relay is up to date.")
		}
		return nil
	}
}
