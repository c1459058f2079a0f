package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"libria/internal/config"
	"libria/internal/logger"
	"libria/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the LibrIA HTTP API",
	Long: `Start the HTTP API that scans book covers, meters lookups per device
and delivers dossiers by email.

Required environment variables:
  OPENAI_API_KEY - OpenAI key used to read the cover

Optional:
  RESEARCH_WEBHOOK_URL  - research workflow producing the dossier
  QUOTA_STORE           - memory (default), redis or sqlite
  GMAIL_USER, GMAIL_APP_PASSWORD - enable /api/v1/deliver
  GOOGLE_SHEET_URL      - append every lookup to a Google Sheet
  VISION_OCR_ENABLED    - add a Cloud Vision OCR hint to the prompt`,
	Example: `  # Serve on the default :8080
  libria serve

  # Serve on another address with Redis-backed quotas
  QUOTA_STORE=redis REDIS_URL=redis://localhost:6379/0 libria serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default: LISTEN_ADDR or :8080)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := buildService(ctx, cfg, log)
	defer cleanup()
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", cfg.ListenAddr).
		Bool("research", svc.ResearchEnabled()).
		Bool("email", svc.DeliveryEnabled()).
		Bool("debug", cfg.Debug).
		Msg("Starting LibrIA server")

	if err := server.New(svc, cfg).Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
