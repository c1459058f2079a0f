// Package lookup runs a book lookup end to end: it checks the device quota,
// reads the cover, asks the research workflow for a dossier and only then
// charges the device. Emailing the rendered dossier is metered separately:
// one delivery per completed lookup.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"libria/internal/cover"
	"libria/internal/logger"
	"libria/internal/mailer"
	"libria/internal/metrics"
	"libria/internal/quota"
	"libria/internal/report"
	"libria/internal/research"
	"libria/pkg/models"
)

// Scan outcomes, used as the libria_scans_total label and the sheet status.
const (
	OutcomeCompleted  = "completado"
	OutcomeNoResearch = "sin_investigacion"
	OutcomeDenied     = "denegado"
	OutcomeInvalid    = "imagen_invalida"
	OutcomeUnreadable = "ilegible"
	OutcomeFailed     = "error"
)

// Delivery outcomes.
const (
	DeliverySent     = "sent"
	DeliveryInvalid  = "invalid"
	DeliveryFailed   = "failed"
	DeliveryDisabled = "disabled"
	DeliveryRefused  = "refused"
)

// DefaultMaxImageBytes is the upload limit when none is configured.
const DefaultMaxImageBytes int64 = 5 * 1024 * 1024

// Recorder keeps an audit trail of completed lookups.
type Recorder interface {
	Record(ctx context.Context, rec models.LookupRecord) error
}

// Mailer sends a rendered dossier.
type Mailer interface {
	SendDossier(ctx context.Context, to, title string, pdf []byte) error
}

// ScanRequest is one uploaded cover.
type ScanRequest struct {
	Device string
	Token  string
	Image  []byte
	MIME   string
}

// ScanResult is a completed, charged lookup.
type ScanResult struct {
	Cover   models.CoverInfo `json:"cover"`
	Dossier *models.Dossier  `json:"-"`
	// Decision is the quota after this lookup was charged.
	Decision quota.Decision `json:"quota"`
}

// DeliverRequest asks for a dossier to be emailed.
type DeliverRequest struct {
	Device  string
	Email   string
	Title   string
	Author  string
	Dossier *models.Dossier
}

// Service wires the lookup collaborators together.
type Service struct {
	gate       *quota.Gate
	extractor  cover.Extractor
	researcher research.Researcher
	recorder   Recorder
	mailer     Mailer
	maxImage   int64
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithResearcher enables the research step.
func WithResearcher(r research.Researcher) Option {
	return func(s *Service) { s.researcher = r }
}

// WithRecorder enables the lookup audit log.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithMailer enables Deliver.
func WithMailer(m Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// WithMaxImageBytes sets the upload limit.
func WithMaxImageBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxImage = n
		}
	}
}

// WithClock overrides the time source used for audit records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. The gate and extractor are required; everything
// else is optional and disabled when not supplied.
func New(gate *quota.Gate, extractor cover.Extractor, opts ...Option) *Service {
	s := &Service{
		gate:      gate,
		extractor: extractor,
		maxImage:  DefaultMaxImageBytes,
		now:       time.Now,
		log:       logger.WithComponent("lookup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResearchEnabled reports whether scans also fetch a dossier.
func (s *Service) ResearchEnabled() bool {
	return s.researcher != nil
}

// DeliveryEnabled reports whether Deliver can send email.
func (s *Service) DeliveryEnabled() bool {
	return s.mailer != nil
}

// Quota returns the current decision for a device without charging it.
func (s *Service) Quota(ctx context.Context, device, token string) (quota.Decision, error) {
	return s.gate.Check(ctx, device, token)
}

// Scan checks the quota, reads the cover, researches the book and charges
// the device exactly once when all of that succeeded.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	const op = "Scan"

	log := logger.WithDevice(req.Device).With().Str("component", "lookup").Logger()

	decision, err := s.gate.Check(ctx, req.Device, req.Token)
	if err != nil {
		s.outcome(OutcomeFailed)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !decision.Allowed {
		metrics.QuotaDenials.WithLabelValues(string(decision.Tier.Name)).Inc()
		s.outcome(OutcomeDenied)
		log.Warn().
			Str("tier", string(decision.Tier.Name)).
			Int("usage_count", decision.State.UsageCount).
			Msg("Quota exhausted")
		return nil, &DeniedError{Decision: decision}
	}

	mime, err := cover.ValidateImage(req.Image, req.MIME, s.maxImage)
	if err != nil {
		s.outcome(OutcomeInvalid)
		log.Warn().Err(err).Int("image_bytes", len(req.Image)).Msg("Image rejected")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	info, err := s.extractor.Extract(ctx, req.Image, mime)
	if err != nil {
		s.outcome(OutcomeFailed)
		log.Error().Err(err).Msg("Cover extraction failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if info == nil || !info.Known() {
		s.outcome(OutcomeUnreadable)
		log.Info().Msg("Cover unreadable, not charging")
		return nil, fmt.Errorf("%s: %w", op, ErrCoverUnreadable)
	}

	var dossier *models.Dossier
	if s.researcher != nil {
		dossier, err = s.researcher.Research(ctx, info.Title, info.Author)
		if err != nil {
			s.outcome(OutcomeFailed)
			log.Error().Err(err).Msg("Research failed")
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	state, err := s.gate.Commit(ctx, req.Device, decision.Tier)
	if errors.Is(err, quota.ErrLimitReached) {
		return nil, s.deniedAfterRace(ctx, req, log)
	}
	if err != nil {
		s.outcome(OutcomeFailed)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	after := decision
	after.State = state
	after.Allowed, after.Remaining = quota.Check(state, decision.Tier)
	after.Phase = quota.PhaseOf(state, decision.Tier)

	status := OutcomeCompleted
	if dossier == nil {
		status = OutcomeNoResearch
	}
	s.outcome(status)
	s.record(ctx, after, *info, dossier, status)

	log.Info().
		Str("title", info.TitleOr("")).
		Str("author", info.AuthorOr("")).
		Int("remaining", after.DisplayRemaining()).
		Bool("researched", dossier != nil).
		Msg("Lookup completed")

	return &ScanResult{Cover: *info, Dossier: dossier, Decision: after}, nil
}

// Report renders the dossier as a PDF. It returns the bytes and a download
// file name derived from the title.
func (s *Service) Report(d *models.Dossier, title, author string) ([]byte, string, error) {
	const op = "Report"

	summary := report.Summarize(d, title, author)
	pdf, err := report.Render(summary)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return pdf, mailer.SanitizeFilename(summary.Title) + ".pdf", nil
}

// Deliver renders the dossier and emails it. It never touches the lookup
// quota, but the device needs a completed lookup in its session and may send
// one email per lookup. The delivery is charged before sending.
func (s *Service) Deliver(ctx context.Context, req DeliverRequest) error {
	const op = "Deliver"

	if s.mailer == nil {
		metrics.DeliveriesTotal.WithLabelValues(DeliveryDisabled).Inc()
		return fmt.Errorf("%s: %w", op, ErrDeliveryDisabled)
	}
	if !mailer.ValidateEmail(req.Email) {
		metrics.DeliveriesTotal.WithLabelValues(DeliveryInvalid).Inc()
		return fmt.Errorf("%s: %w", op, mailer.ErrInvalidEmail)
	}
	if _, err := s.gate.CommitDelivery(ctx, req.Device); err != nil {
		outcome := DeliveryFailed
		if errors.Is(err, quota.ErrNoLookup) || errors.Is(err, quota.ErrLimitReached) {
			outcome = DeliveryRefused
		}
		metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
		dlog := logger.WithDevice(req.Device)
		dlog.Warn().Err(err).Str("component", "lookup").Msg("Delivery refused")
		return fmt.Errorf("%s: %w", op, err)
	}

	summary := report.Summarize(req.Dossier, req.Title, req.Author)
	pdf, err := report.Render(summary)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(DeliveryFailed).Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.mailer.SendDossier(ctx, req.Email, summary.Title, pdf); err != nil {
		outcome := DeliveryFailed
		if errors.Is(err, mailer.ErrInvalidEmail) {
			outcome = DeliveryInvalid
		}
		metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.DeliveriesTotal.WithLabelValues(DeliverySent).Inc()
	return nil
}

// deniedAfterRace builds the DeniedError for a scan whose charge was refused
// because concurrent scans used up the limit after it passed Check.
func (s *Service) deniedAfterRace(ctx context.Context, req ScanRequest, log zerolog.Logger) error {
	metrics.QuotaDenials.WithLabelValues(string(s.gate.Tier(req.Token).Name)).Inc()
	s.outcome(OutcomeDenied)
	log.Warn().Msg("Quota used up by concurrent lookups, not charging")

	decision, err := s.gate.Check(ctx, req.Device, req.Token)
	if err != nil {
		return fmt.Errorf("Scan: %w", err)
	}
	return &DeniedError{Decision: decision}
}

func (s *Service) outcome(name string) {
	metrics.ScansTotal.WithLabelValues(name).Inc()
}

// record writes the audit row. Failures are logged and never fail the scan.
func (s *Service) record(ctx context.Context, d quota.Decision, info models.CoverInfo, dossier *models.Dossier, status string) {
	if s.recorder == nil {
		return
	}

	rec := models.LookupRecord{
		Timestamp: s.now(),
		Device:    d.Device,
		Tier:      string(d.Tier.Name),
		Title:     info.TitleOr(""),
		Author:    info.AuthorOr(""),
		Status:    status,
	}
	if dossier != nil {
		rec.Genre = dossier.Genres.MainGenre
	}

	if err := s.recorder.Record(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("device_id", d.Device).Msg("Failed to record lookup")
	}
}
