// Package llmjson turns language-model replies that are supposed to be JSON
// into decoded values.
//
// Models are told to answer with bare JSON but sometimes wrap the object in a
// markdown fence or put a sentence in front of it. Parse first decodes the
// whole reply strictly; only when that fails does it retry once on the text
// between the first '{' and the last '}'. There is no further heuristic: a
// reply that survives neither attempt is reported as a *ParseError.
//
// The salvage step is deliberately naive. Two sibling objects in one reply
// are spanned as a single candidate and fail to decode, and braces inside
// string values before or after the real object shift the window.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"libria/internal/logger"
)

// SnippetLength is how many characters of the input are kept for diagnostics.
const SnippetLength = 200

// Stage identifies which decoding attempt produced a value or an error.
type Stage int

const (
	// StageDirect is the strict decode of the whole trimmed input.
	StageDirect Stage = 1
	// StageSalvage is the decode of the first-'{' to last-'}' substring.
	StageSalvage Stage = 2
)

func (s Stage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageSalvage:
		return "salvage"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ErrNotObject is returned by ParseObject when the decoded value is not a JSON object.
var ErrNotObject = errors.New("decoded JSON is not an object")

// ParseError reports a reply that could not be decoded.
//
// Stage is StageDirect when no salvage candidate existed (Err is then the
// strict decode error) and StageSalvage when the extracted substring failed
// to decode as well (Err is that second error).
type ParseError struct {
	Stage   Stage
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llmjson: %s decode failed: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Result is a decoded value together with the attempt that produced it.
type Result struct {
	Value any
	Stage Stage
}

// Recovered reports whether the value needed the salvage step.
func (r Result) Recovered() bool {
	return r.Stage == StageSalvage
}

// Parse decodes raw and returns whatever JSON value it holds.
// Arrays, strings and numbers are returned as-is; callers that need an
// object should use ParseObject.
func Parse(raw string) (any, error) {
	res, err := Extract(raw)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Extract is Parse with the decoding stage reported alongside the value.
func Extract(raw string) (Result, error) {
	log := logger.WithComponent("llmjson")
	content := strings.TrimSpace(raw)

	var value any
	directErr := json.Unmarshal([]byte(content), &value)
	if directErr == nil {
		return Result{Value: value, Stage: StageDirect}, nil
	}

	log.Warn().Err(directErr).Msg("JSON parse failed, attempting recovery")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		snippet := Snippet(content)
		log.Error().Str("content", snippet).Msg("No JSON object to recover")
		return Result{}, &ParseError{Stage: StageDirect, Snippet: snippet, Err: directErr}
	}

	value = nil
	if err := json.Unmarshal([]byte(content[start:end+1]), &value); err != nil {
		snippet := Snippet(content)
		log.Error().Err(err).Str("content", snippet).Msg("JSON recovery failed")
		return Result{}, &ParseError{Stage: StageSalvage, Snippet: snippet, Err: err}
	}

	log.Info().Int("offset", start).Msg("JSON recovered by extraction")
	return Result{Value: value, Stage: StageSalvage}, nil
}

// ParseObject is Parse restricted to JSON objects.
func ParseObject(raw string) (map[string]any, error) {
	value, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("llmjson: got %T: %w", value, ErrNotObject)
	}
	return obj, nil
}

// Snippet returns at most SnippetLength characters of s.
func Snippet(s string) string {
	runes := []rune(s)
	if len(runes) <= SnippetLength {
		return s
	}
	return string(runes[:SnippetLength])
}

// String reads an optional string field; null, missing and non-string values
// all come back as nil.
func String(obj map[string]any, key string) *string {
	if value, ok := obj[key].(string); ok {
		return &value
	}
	return nil
}
