// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/rtcsync/internal/version"
)

var versionCmdFlags struct {
	shortVersion bool
}

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionCmdFlags.shortVersion {
			fmt.Fprintln(cmd.OutOrStdout(), version.Short())

			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), version.Name+":")

		return version.WriteLong(cmd.OutOrStdout(), version.NewInfo())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCmdFlags.shortVersion, "short", false, "Print the short version")
	rootCmd.AddCommand(versionCmd)
}
