package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("warpcall", version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
