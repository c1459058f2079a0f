// Package research asks the book research workflow for a dossier on a title.
//
// The workflow is an external webhook (n8n in production). It accepts the
// extracted title and author and answers with a JSON document that may be
// wrapped in a "body" member, wrapped in a one-element array, or fenced in
// Markdown by the language model behind it.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"libria/internal/llmjson"
	"libria/internal/logger"
	"libria/internal/metrics"
	"libria/pkg/models"
)

// DefaultTimeout bounds one webhook call.
const DefaultTimeout = 30 * time.Second

const (
	// maxResponseBytes caps how much of the webhook answer is read.
	maxResponseBytes = 4 << 20
	// maxUnwrap bounds how many wrappers decodeDossier peels off.
	maxUnwrap = 5
)

var (
	// ErrNotConfigured is returned when no webhook URL was set.
	ErrNotConfigured = errors.New("research webhook URL is not configured")

	// ErrEmptyDossier is returned when the webhook answers without a document.
	ErrEmptyDossier = errors.New("research webhook returned no dossier")
)

// WebhookError reports a non-2xx webhook answer.
type WebhookError struct {
	Status int
	Body   string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("research webhook returned %d: %s", e.Status, e.Body)
}

// Request is the payload the workflow expects.
type Request struct {
	Title     *string `json:"titulo"`
	Author    *string `json:"autor"`
	RequestID string  `json:"requestId"`
}

// Researcher produces a dossier for a book.
type Researcher interface {
	Research(ctx context.Context, title, author *string) (*models.Dossier, error)
}

// Client calls the research webhook over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

var _ Researcher = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// New creates a client for the webhook at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        strings.TrimSpace(url),
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		now:        time.Now,
		log:        logger.WithComponent("research"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRequestID returns an identifier of the form req-<unix>-<8 hex chars>.
func NewRequestID(now time.Time) string {
	return fmt.Sprintf("req-%d-%s", now.Unix(), uuid.NewString()[:8])
}

// Research posts the title and author and decodes the returned dossier.
func (c *Client) Research(ctx context.Context, title, author *string) (*models.Dossier, error) {
	const op = "Research"

	if c.url == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNotConfigured)
	}

	payload := Request{Title: title, Author: author, RequestID: NewRequestID(c.now())}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Info().
		Str("request_id", payload.RequestID).
		Msg("Requesting book research")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveUpstream(metrics.UpstreamResearch, start)
	if err != nil {
		return nil, fmt.Errorf("%s: call webhook: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &WebhookError{Status: resp.StatusCode, Body: llmjson.Snippet(string(raw))}
	}

	doc, err := decodeDossier(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	dossier := models.DossierFromMap(doc)

	c.log.Info().
		Str("request_id", payload.RequestID).
		Int("sections", len(doc)).
		Msg("Research completed")

	return &dossier, nil
}

// decodeDossier unwraps the shapes the workflow is known to answer with.
func decodeDossier(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyDossier
	}

	value, err := llmjson.Parse(raw)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxUnwrap; i++ {
		switch v := value.(type) {
		case []any:
			if len(v) == 0 {
				return nil, ErrEmptyDossier
			}
			value = v[0]
		case map[string]any:
			body, ok := v["body"]
			if !ok {
				return v, nil
			}
			value = body
		case string:
			if value, err = llmjson.Parse(v); err != nil {
				return nil, err
			}
		case nil:
			return nil, ErrEmptyDossier
		default:
			return nil, fmt.Errorf("dossier is %T: %w", v, llmjson.ErrNotObject)
		}
	}

	if doc, ok := value.(map[string]any); ok {
		return doc, nil
	}
	return nil, fmt.Errorf("dossier is nested too deeply: %w", llmjson.ErrNotObject)
}
