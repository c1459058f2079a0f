// Package mailer emails the rendered dossier PDF to the reader.
//
// Delivery goes through Gmail SMTPS by default (smtp.gmail.com:465) with an
// app password. Without GMAIL_USER and GMAIL_APP_PASSWORD the sender cannot
// be built and callers get ErrNotConfigured.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"libria/internal/config"
	"libria/internal/logger"
	"libria/internal/metrics"
)

const (
	fromName       = "LibrIA"
	maxFilenameLen = 50
	sendTimeout    = 30 * time.Second
)

var (
	// ErrNotConfigured is returned when Gmail credentials are missing.
	ErrNotConfigured = errors.New("email delivery is not configured: set GMAIL_USER and GMAIL_APP_PASSWORD")

	// ErrInvalidEmail is returned for addresses that fail ValidateEmail.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrEmptyAttachment is returned when there is no PDF to send.
	ErrEmptyAttachment = errors.New("no PDF to attach")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail reports whether addr looks like a deliverable address.
func ValidateEmail(addr string) bool {
	return emailPattern.MatchString(addr)
}

var filenameReplacer = strings.NewReplacer(
	"/", "-",
	`\`, "-",
	":", "-",
	"*", "",
	"?", "",
	`"`, "",
	"<", "",
	">", "",
	"|", "",
	"\n", " ",
	"\r", " ",
)

// SanitizeFilename makes a book title safe to use as an attachment name.
// Names longer than 50 characters are cut to 47 and suffixed with "...".
func SanitizeFilename(name string) string {
	name = strings.Join(strings.Fields(filenameReplacer.Replace(name)), " ")
	if runes := []rune(name); len(runes) > maxFilenameLen {
		name = string(runes[:maxFilenameLen-3]) + "..."
	}
	return strings.TrimSpace(name)
}

// Subject is the subject line for a dossier email.
func Subject(title string) string {
	return fmt.Sprintf("📚 Tu reseña de \"%s\" - LibrIA", title)
}

var bodyTemplate = template.Must(template.New("body").Parse(`<html>
  <body style="font-family: Arial, sans-serif; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
      <h2 style="color: #00D9FF;">📚 ¡Tu reseña está lista!</h2>
      <p>Hola,</p>
      <p>Aquí está la reseña completa de <strong>"{{.}}"</strong> que solicitaste en LibrIA.</p>
      <p>El PDF adjunto incluye:</p>
      <ul>
        <li>📖 Sinopsis completa</li>
        <li>🎯 Temas clave</li>
        <li>💬 Reseñas destacadas</li>
        <li>👥 Público objetivo</li>
      </ul>
      <p style="margin-top: 30px; font-size: 14px; color: #666;">
        <strong>LibrIA - Reseñas Inteligentes</strong><br>
        Desarrollado por Carlos Silva | Ing. en Informática
      </p>
      <p style="font-size: 12px; color: #999; margin-top: 20px;">
        Este email fue generado automáticamente. Si no solicitaste esta reseña, puedes ignorar este mensaje.
      </p>
    </div>
  </body>
</html>
`))

// dialer is the part of *mail.Client the sender uses.
type dialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Sender delivers dossier emails.
type Sender struct {
	client dialer
	from   string
	log    zerolog.Logger
}

// NewSender creates a Gmail sender from configuration.
func NewSender(cfg *config.Config) (*Sender, error) {
	const op = "NewSender"

	if !cfg.EmailEnabled() {
		return nil, ErrNotConfigured
	}

	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.GmailUser),
		mail.WithPassword(cfg.GmailAppPassword),
		mail.WithTimeout(sendTimeout),
	}
	if cfg.SMTPPort == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: create SMTP client: %w", op, err)
	}

	return NewSenderWithDeps(client, cfg.GmailUser), nil
}

// NewSenderWithDeps creates a sender with an explicit SMTP client.
func NewSenderWithDeps(client dialer, from string) *Sender {
	return &Sender{
		client: client,
		from:   from,
		log:    logger.WithComponent("mailer"),
	}
}

// SendDossier emails pdf to the reader as "<title>.pdf".
func (s *Sender) SendDossier(ctx context.Context, to, title string, pdf []byte) error {
	const op = "SendDossier"

	if !ValidateEmail(to) {
		return fmt.Errorf("%s: %w: %q", op, ErrInvalidEmail, to)
	}
	if len(pdf) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyAttachment)
	}

	msg, err := s.buildMessage(to, title, pdf)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info().
		Str("to", to).
		Str("title", title).
		Int("pdf_bytes", len(pdf)).
		Msg("Sending dossier email")

	start := time.Now()
	err = s.client.DialAndSendWithContext(ctx, msg)
	metrics.ObserveUpstream(metrics.UpstreamSMTP, start)
	if err != nil {
		s.log.Error().Err(err).Str("to", to).Msg("Dossier email failed")
		return fmt.Errorf("%s: send: %w", op, err)
	}

	s.log.Info().Str("to", to).Msg("Dossier email sent")
	return nil
}

func (s *Sender) buildMessage(to, title string, pdf []byte) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(fromName, s.from); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	msg.Subject(Subject(title))

	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, title); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	msg.SetBodyString(mail.TypeTextHTML, body.String())

	if err := msg.AttachReader(SanitizeFilename(title)+".pdf", bytes.NewReader(pdf),
		mail.WithFileContentType(mail.ContentType("application/pdf"))); err != nil {
		return nil, fmt.Errorf("attach pdf: %w", err)
	}
	return msg, nil
}
