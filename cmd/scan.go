package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"libria/internal/config"
	"libria/internal/cover"
	"libria/internal/logger"
	"libria/internal/lookup"
	"libria/internal/mailer"
	"libria/internal/research"
)

var scanCmd = &cobra.Command{
	Use:   "scan [image-file]",
	Short: "Identify a book from a photo of its cover",
	Long: `Read the title and author from a cover photo with the OpenAI vision
model, fetch the research dossier for the book and print the result.

The lookup is charged to --device like any request to the API. With the
default in-memory quota store every run starts a fresh session; use
QUOTA_STORE=sqlite or redis to meter the CLI across runs.

Required environment variables:
  OPENAI_API_KEY - OpenAI key used to read the cover`,
	Example: `  # Identify a cover
  libria scan cover.jpg

  # Use the evaluator tier and print JSON
  libria scan cover.jpg --token "$EVALUATOR_TOKEN" --json

  # Save the dossier PDF and email it
  libria scan cover.jpg --pdf rayuela.pdf --email lector@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

// ScanOutput is the JSON printed with --json.
type ScanOutput struct {
	Title     *string        `json:"titulo"`
	Author    *string        `json:"autor"`
	Dossier   map[string]any `json:"dossier,omitempty"`
	Device    string         `json:"device_id"`
	Tier      string         `json:"tier"`
	Remaining int            `json:"remaining"`
	Banner    string         `json:"banner"`
	Duration  string         `json:"processing_duration"`
	FileName  string         `json:"file_name"`
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().String("token", "", "Access token (the evaluator token selects the evaluator tier)")
	scanCmd.Flags().String("device", "cli", "Device identity the lookup is charged to")
	scanCmd.Flags().Bool("json", false, "Output as JSON")
	scanCmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	scanCmd.Flags().String("pdf", "", "Also render the dossier PDF to this path")
	scanCmd.Flags().String("email", "", "Email the dossier PDF to this address")
	scanCmd.Flags().Int("timeout", 120, "Processing timeout in seconds")
}

func runScan(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("scan")

	token, _ := cmd.Flags().GetString("token")
	deviceID, _ := cmd.Flags().GetString("device")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	outputPath, _ := cmd.Flags().GetString("output")
	pdfPath, _ := cmd.Flags().GetString("pdf")
	email, _ := cmd.Flags().GetString("email")
	timeoutSecs, _ := cmd.Flags().GetInt("timeout")

	imagePath := args[0]

	if email != "" && !mailer.ValidateEmail(email) {
		return fmt.Errorf("invalid email address: %s", email)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	image, err := readImage(imagePath, cfg.MaxImageBytes(), log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancelTimeout()

	svc, cleanup, err := buildService(ctx, cfg, log)
	defer cleanup()
	if err != nil {
		return err
	}

	log.Info().
		Str("file", imagePath).
		Int("size", len(image)).
		Str("device_id", deviceID).
		Msg("Scanning cover")

	start := time.Now()
	result, err := svc.Scan(ctx, lookup.ScanRequest{
		Device: deviceID,
		Token:  token,
		Image:  image,
		MIME:   mime.TypeByExtension(strings.ToLower(filepath.Ext(imagePath))),
	})
	if err != nil {
		return handleScanError(err, log)
	}
	duration := time.Since(start)

	if err := outputScan(result, imagePath, duration, outputPath, jsonOutput, log); err != nil {
		return err
	}

	if pdfPath != "" {
		pdf, _, err := svc.Report(result.Dossier, result.Cover.TitleOr(""), result.Cover.AuthorOr(""))
		if err != nil {
			return fmt.Errorf("failed to render PDF: %w", err)
		}
		if err := os.WriteFile(pdfPath, pdf, 0644); err != nil {
			return fmt.Errorf("failed to write PDF: %w", err)
		}
		log.Info().Str("pdf", pdfPath).Int("bytes", len(pdf)).Msg("Dossier PDF written")
	}

	if email != "" {
		err := svc.Deliver(ctx, lookup.DeliverRequest{
			Device:  deviceID,
			Email:   email,
			Title:   result.Cover.TitleOr(""),
			Author:  result.Cover.AuthorOr(""),
			Dossier: result.Dossier,
		})
		if err != nil {
			if errors.Is(err, lookup.ErrDeliveryDisabled) {
				return fmt.Errorf("email delivery is not configured: set GMAIL_USER and GMAIL_APP_PASSWORD")
			}
			return fmt.Errorf("failed to send email: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✅ PDF enviado a %s\n", email)
	}

	return nil
}

// readImage checks the file and loads it.
func readImage(path string, maxBytes int64, log zerolog.Logger) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("image file not found: %s", path)
		}
		return nil, fmt.Errorf("error accessing image file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path is not a regular file: %s", path)
	}
	if info.Size() > maxBytes {
		log.Error().
			Str("file", path).
			Int64("size", info.Size()).
			Int64("max_size", maxBytes).
			Msg("Image exceeds maximum size limit")
		return nil, fmt.Errorf("image too large (%.2f MB). Maximum size is %d MB. "+
			"Try compressing it with https://tinypng.com or https://squoosh.app",
			float64(info.Size())/1024/1024, maxBytes/1024/1024)
	}
	return os.ReadFile(path)
}

// handleScanError turns pipeline errors into messages for the terminal.
func handleScanError(err error, log zerolog.Logger) error {
	log.Error().Err(err).Msg("Scan failed")

	var denied *lookup.DeniedError
	var webhookErr *research.WebhookError

	switch {
	case errors.As(err, &denied):
		return errors.New(denied.Decision.Banner())
	case errors.Is(err, lookup.ErrCoverUnreadable):
		return fmt.Errorf("%s\n\n%s", lookup.UnreadableMessage, lookup.UnreadableTips)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("scan timed out. Try increasing --timeout")
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("scan was canceled")
	case errors.Is(err, cover.ErrImageTooLarge), errors.Is(err, cover.ErrUnsupportedType), errors.Is(err, cover.ErrEmptyImage):
		return err
	case errors.As(err, &webhookErr):
		return fmt.Errorf("research workflow failed with status %d: %w", webhookErr.Status, err)
	case errors.Is(err, cover.ErrModelFailed):
		return fmt.Errorf("OpenAI request failed. Check OPENAI_API_KEY and your network: %w", err)
	default:
		return fmt.Errorf("scan failed: %w", err)
	}
}

func outputScan(result *lookup.ScanResult, imagePath string, duration time.Duration, outputPath string, jsonOutput bool, log zerolog.Logger) error {
	var data []byte

	if jsonOutput {
		out := ScanOutput{
			Title:     result.Cover.Title,
			Author:    result.Cover.Author,
			Device:    result.Decision.Device,
			Tier:      string(result.Decision.Tier.Name),
			Remaining: result.Decision.DisplayRemaining(),
			Banner:    result.Decision.Banner(),
			Duration:  duration.String(),
			FileName:  filepath.Base(imagePath),
		}
		if result.Dossier != nil {
			out.Dossier = result.Dossier.Raw
		}

		var err error
		data, err = json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to create JSON output: %w", err)
		}
		data = append(data, '\n')
	} else {
		var b strings.Builder
		b.WriteString("✅ Listo\n\n")
		fmt.Fprintf(&b, "Título: %s\n", result.Cover.TitleOr("No detectado"))
		fmt.Fprintf(&b, "Autor:  %s\n", result.Cover.AuthorOr("No detectado"))
		if result.Dossier != nil {
			if g := result.Dossier.Genres.MainGenre; g != "" {
				fmt.Fprintf(&b, "Género: %s\n", g)
			}
			if s := result.Dossier.Content.ShortSynopsis; s != "" {
				fmt.Fprintf(&b, "\n%s\n", s)
			}
		}
		fmt.Fprintf(&b, "\n%s\n", result.Decision.Banner())
		data = []byte(b.String())
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, data, 0644); err != nil {
			log.Error().Err(err).Str("output_file", outputPath).Msg("Failed to write output file")
			return fmt.Errorf("failed to write output file: %w", err)
		}
		log.Info().Str("output_file", outputPath).Int("bytes", len(data)).Msg("Scan results written to file")
		return nil
	}

	if _, err := os.Stdout.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
