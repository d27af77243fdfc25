package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "ftpd",
	Short: "Embedded-style FTP server over a FAT-like file system",
	Long: `An FTP server implementing a subset of RFC 959:

- Two-process-per-connection protocol/data split (PI/DTP)
- Pluggable credential checking and permission gating
- Active and passive data connections
- UNIX-style directory listings

Built for firmware-style deployments where a small, dependency-light
control/data split matters more than full RFC 959 conformance.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
