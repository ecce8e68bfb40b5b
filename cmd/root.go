package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpcall",
	Short: "Peer-to-peer lesson calls over WebRTC",
	Long: `warpcall connects a teacher and a student directly over WebRTC for a live lesson:
audio, video, screen sharing, chat, a shared whiteboard and file transfer.

Only signaling goes through the server (warpcall serve); media and data flow peer to peer.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
