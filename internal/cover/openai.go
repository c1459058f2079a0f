package cover

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"libria/internal/config"
	"libria/internal/llmjson"
	"libria/internal/logger"
	"libria/internal/metrics"
	"libria/pkg/models"
)

// DefaultTimeout bounds one call to the vision model.
const DefaultTimeout = 30 * time.Second

// OpenAIConfig configures the OpenAI extractor.
type OpenAIConfig struct {
	Model   string        // gpt-4o-mini by default
	Timeout time.Duration // per request
}

// OpenAIExtractor implements Extractor with an OpenAI vision model.
type OpenAIExtractor struct {
	client   *openai.Client
	detector TextDetector
	config   OpenAIConfig
	log      zerolog.Logger
}

var _ Extractor = (*OpenAIExtractor)(nil)

// NewOpenAIExtractor creates an extractor from application configuration.
// detector may be nil.
func NewOpenAIExtractor(cfg *config.Config, detector TextDetector) (*OpenAIExtractor, error) {
	const op = "NewOpenAIExtractor"

	if err := cfg.RequireOpenAI(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}

	return NewOpenAIExtractorWithDeps(openai.NewClientWithConfig(clientConfig), detector, OpenAIConfig{
		Model:   cfg.OpenAIModel,
		Timeout: DefaultTimeout,
	}), nil
}

// NewOpenAIExtractorWithDeps creates an extractor with explicit dependencies.
func NewOpenAIExtractorWithDeps(client *openai.Client, detector TextDetector, cfg OpenAIConfig) *OpenAIExtractor {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OpenAIExtractor{
		client:   client,
		detector: detector,
		config:   cfg,
		log:      logger.WithComponent("cover-extractor"),
	}
}

// Extract sends the cover to the model and decodes titulo/autor from its reply.
func (e *OpenAIExtractor) Extract(ctx context.Context, image []byte, mime string) (*models.CoverInfo, error) {
	const op = "Extract"

	if len(image) == 0 {
		return nil, NewCoverError(op, ErrEmptyImage, "")
	}
	mime = NormalizeMIME(mime, image)

	e.log.Info().
		Int("image_bytes", len(image)).
		Str("mime", mime).
		Msg("Starting title/author extraction")

	prompt := UserPrompt
	if hint := e.ocrHint(ctx, image); hint != "" {
		prompt += ocrHintHeader + hint
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: e.config.Model,
		// A literal 0 is dropped by omitempty and the API would default to 1.
		Temperature: math.SmallestNonzeroFloat32,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: SystemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: DataURL(image, mime)}},
				},
			},
		},
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, req)
	metrics.ObserveUpstream(metrics.UpstreamOpenAI, start)
	if err != nil {
		return nil, NewCoverError(op, fmt.Errorf("%w: %v", ErrModelFailed, err), "chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, NewCoverError(op, ErrEmptyResponse, "")
	}

	content := resp.Choices[0].Message.Content
	e.log.Info().
		Int("content_length", len(content)).
		Msg("Response received from OpenAI")

	obj, err := decodeObject(content)
	if err != nil {
		return nil, NewCoverError(op, err, "decode model reply")
	}

	info := &models.CoverInfo{
		Title:  llmjson.String(obj, "titulo"),
		Author: llmjson.String(obj, "autor"),
	}

	e.log.Info().
		Str("title", info.TitleOr("<null>")).
		Str("author", info.AuthorOr("<null>")).
		Msg("Extraction finished")

	return info, nil
}

// decodeObject runs the salvage parser and counts how the reply was decoded.
func decodeObject(content string) (map[string]any, error) {
	res, err := llmjson.Extract(content)
	if err != nil {
		metrics.JSONRecoveries.WithLabelValues("failed").Inc()
		return nil, err
	}
	if res.Recovered() {
		metrics.JSONRecoveries.WithLabelValues("recovered").Inc()
	}

	obj, ok := res.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("got %T: %w", res.Value, llmjson.ErrNotObject)
	}
	return obj, nil
}

// ocrHint returns detected cover text, or "" when detection is off or fails.
func (e *OpenAIExtractor) ocrHint(ctx context.Context, image []byte) string {
	if e.detector == nil {
		return ""
	}

	text, err := e.detector.DetectText(ctx, image)
	if err != nil {
		e.log.Warn().Err(err).Msg("Text detection failed, continuing without hint")
		return ""
	}
	return text
}
