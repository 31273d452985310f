// Package main provides qpackd, a QPACK header block decoding service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "qpackd",
	Short: "QPACK header block decoder",
	Long: `qpackd decodes QPACK header blocks whose dynamic table references may
arrive before the entries they name.

Examples:
  qpackd serve --addr :9000 --metrics-addr :9090   # Serve blocks over HTTP/2 framing
  qpackd decode 82 7e0001780179 be                  # Decode hex blocks in order`,
	Version:      Version,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
}
