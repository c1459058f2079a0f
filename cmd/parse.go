package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"libria/internal/llmjson"
	"libria/internal/logger"
)

var parseCmd = &cobra.Command{
	Use:   "parse [file|-]",
	Short: "Run the model-reply JSON extractor on raw text",
	Long: `Decode a language model reply the way cover extraction does: a strict
JSON parse first, then the first '{' to last '}' salvage when the reply
is wrapped in prose or Markdown fences.

Reads from the file argument, or from stdin when it is "-" or omitted.
Prints the decoded value and the stage that produced it.`,
	Example: "  echo 'Here you go: ```json {\"titulo\": \"Rayuela\"} ```' | libria parse",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().Bool("object", false, "Require the value to be a JSON object")
}

func runParse(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("parse")
	requireObject, _ := cmd.Flags().GetBool("object")

	var in io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	result, err := llmjson.Extract(string(raw))
	if err != nil {
		return err
	}
	if _, ok := result.Value.(map[string]any); requireObject && !ok {
		return fmt.Errorf("decoded %T: %w", result.Value, llmjson.ErrNotObject)
	}

	log.Debug().Str("stage", result.Stage.String()).Msg("Reply decoded")

	out, err := json.MarshalIndent(result.Value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "stage: %s\n", result.Stage)
	fmt.Println(string(out))
	return nil
}
