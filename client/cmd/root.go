package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  `peerlink`,
	Long: `peerlink is a peer to peer messaging, file transfer and calling client`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error while executing '%s'\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
