package cmd

import (
	"fmt"

	"github.com/metraction/vidi/internal/version"
	"github.com/spf13/cobra"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Vidi version",
	Long:  `Vidi display version.`,
	// no config needed
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Vidi version %s (%s, %s)\n", version.Version, version.BuildTimestamp, version.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
