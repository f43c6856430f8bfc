package cmd

import (
	"fmt"
	"log"
	"os"

	"Bt1QRec/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "1qrec_server",
	Short: "1QRec is the beat recommendation service for 1QFM.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting 1QRec server...")
		// server.Start now handles its own port and logging for startup.
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
