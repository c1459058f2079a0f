package cover

import (
	"errors"
	"fmt"
)

// Common cover extraction errors
var (
	// ErrEmptyImage is returned when no image bytes were uploaded.
	ErrEmptyImage = errors.New("image is empty")

	// ErrImageTooLarge is returned when the upload exceeds MAX_IMAGE_MB.
	ErrImageTooLarge = errors.New("image exceeds the maximum size")

	// ErrUnsupportedType is returned for anything but JPEG, PNG or WebP.
	ErrUnsupportedType = errors.New("unsupported image type (use JPG, PNG or WebP)")

	// ErrEmptyResponse is returned when the model sends no choices back.
	ErrEmptyResponse = errors.New("vision model returned no content")

	// ErrModelFailed is returned when the OpenAI call itself fails.
	ErrModelFailed = errors.New("vision model request failed")

	// ErrMissingCredentials is returned when neither GOOGLE_APPLICATION_CREDENTIALS
	// nor GOOGLE_CREDENTIALS can be used for the Cloud Vision hint.
	ErrMissingCredentials = errors.New("missing Google Cloud credentials: set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS environment variable")

	// ErrOCRFailed is returned when Cloud Vision fails to annotate the image.
	ErrOCRFailed = errors.New("text detection failed")

	// ErrNoText is returned when Cloud Vision finds no text on the cover.
	ErrNoText = errors.New("no text detected on cover")
)

// CoverError wraps errors with the operation that failed.
type CoverError struct {
	// Op is the operation that failed (e.g., "Extract", "DetectText").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *CoverError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("cover: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("cover: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *CoverError) Unwrap() error {
	return e.Err
}

// Is implements error matching.
func (e *CoverError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewCoverError creates a new CoverError.
func NewCoverError(op string, err error, details string) *CoverError {
	return &CoverError{
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// WrapCoverError wraps err as a CoverError unless it already is one.
func WrapCoverError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var coverErr *CoverError
	if errors.As(err, &coverErr) {
		return err
	}

	return NewCoverError(op, err, details)
}
