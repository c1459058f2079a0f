package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"libria/internal/config"
	"libria/internal/cover"
	"libria/internal/lookup"
	"libria/internal/mailer"
	"libria/internal/quota"
	"libria/internal/research"
	"libria/internal/sheets"
)

// buildService assembles the lookup pipeline from configuration. Optional
// collaborators that are not configured, or fail to start, are left out and
// logged. The returned cleanup closes everything that was opened.
func buildService(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*lookup.Service, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("Failed to release resource")
			}
		}
	}

	if err := cfg.RequireOpenAI(); err != nil {
		return nil, cleanup, fmt.Errorf("%w. Add it to your .env file or environment", err)
	}

	store, err := quota.Open(ctx, cfg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to open %s quota store: %w", cfg.QuotaStore, err)
	}
	closers = append(closers, store.Close)
	log.Info().
		Str("store", cfg.QuotaStore).
		Int("standard_limit", cfg.StandardLimit).
		Int("evaluator_limit", cfg.EvaluatorLimit).
		Bool("evaluator_enabled", cfg.EvaluatorToken != "").
		Msg("Quota store ready")

	gate := quota.NewGate(store, quota.Policy{
		StandardLimit:  cfg.StandardLimit,
		EvaluatorLimit: cfg.EvaluatorLimit,
		EvaluatorToken: cfg.EvaluatorToken,
	})

	var detector cover.TextDetector
	if cfg.VisionOCREnabled {
		vision, err := cover.NewVisionTextDetector(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Cloud Vision hint disabled")
		} else {
			closers = append(closers, vision.Close)
			detector = vision
		}
	}

	extractor, err := cover.NewOpenAIExtractor(cfg, detector)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create cover extractor: %w", err)
	}

	opts := []lookup.Option{lookup.WithMaxImageBytes(cfg.MaxImageBytes())}

	if cfg.ResearchWebhookURL != "" {
		opts = append(opts, lookup.WithResearcher(
			research.New(cfg.ResearchWebhookURL, research.WithTimeout(cfg.ResearchTimeout)),
		))
	} else {
		log.Warn().Msg("RESEARCH_WEBHOOK_URL not set, lookups return title and author only")
	}

	if cfg.EmailEnabled() {
		sender, err := mailer.NewSender(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Email delivery disabled")
		} else {
			opts = append(opts, lookup.WithMailer(sender))
		}
	}

	if cfg.GoogleSheetURL != "" {
		recorder, err := sheets.NewRecorder(ctx, cfg.GoogleSheetURL, cfg.GoogleSheetWorksheet)
		if err != nil {
			log.Warn().Err(err).Msg("Lookup log disabled")
		} else {
			opts = append(opts, lookup.WithRecorder(recorder))
		}
	}

	return lookup.New(gate, extractor, opts...), cleanup, nil
}
