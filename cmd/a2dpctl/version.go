// ABOUTME: version command
// ABOUTME: Prints the build version
package main

import (
	"fmt"

	"github.com/Sendspin/bluestream/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the a2dpctl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "a2dpctl %s (%s)\n", version.Version, version.Manufacturer)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
