package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"libria/internal/logger"
)

var version = "2.0.0"

var rootCmd = &cobra.Command{
	Use:   "libria",
	Short: "LibrIA - book cover lookups with per-device quotas",
	Long: `LibrIA reads the title and author from a photo of a book cover,
asks the research workflow for a full dossier on the book and can
render that dossier as a PDF and email it to the reader.

Lookups are metered per device: STANDARD_LIMIT free lookups per session,
or EVALUATOR_LIMIT when the request carries the evaluator token.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Debug().
			Str("version", version).
			Msg("LibrIA CLI executed")

		fmt.Println("Welcome to LibrIA!")
		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}
