package cover

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"libria/internal/logger"
	"libria/internal/metrics"
)

// MaxVisionImageBytes is Cloud Vision's inline image limit.
const MaxVisionImageBytes = 20 * 1024 * 1024

// imageAnnotator is the slice of the Vision client the detector calls.
type imageAnnotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
	Close() error
}

// VisionTextDetector implements TextDetector with Google Cloud Vision
// TEXT_DETECTION.
type VisionTextDetector struct {
	client imageAnnotator
	log    zerolog.Logger
}

var _ TextDetector = (*VisionTextDetector)(nil)

// NewVisionTextDetector creates a detector with credentials from environment.
// It expects either GOOGLE_CREDENTIALS JSON or a GOOGLE_APPLICATION_CREDENTIALS path.
func NewVisionTextDetector(ctx context.Context) (*VisionTextDetector, error) {
	const op = "NewVisionTextDetector"

	var client *vision.ImageAnnotatorClient
	var err error

	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, WrapCoverError(op, err, "failed to create client with GOOGLE_CREDENTIALS")
		}
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(credFile))
		if err != nil {
			return nil, WrapCoverError(op, err, "failed to create client with GOOGLE_APPLICATION_CREDENTIALS")
		}
	} else {
		client, err = vision.NewImageAnnotatorClient(ctx)
		if err != nil {
			return nil, WrapCoverError(op, ErrMissingCredentials, "no credentials found in environment")
		}
	}

	return newVisionTextDetector(client), nil
}

// NewVisionTextDetectorWithClient creates a detector with an explicit client.
func NewVisionTextDetectorWithClient(client *vision.ImageAnnotatorClient) *VisionTextDetector {
	return newVisionTextDetector(client)
}

func newVisionTextDetector(client imageAnnotator) *VisionTextDetector {
	return &VisionTextDetector{
		client: client,
		log:    logger.WithComponent("cover-vision"),
	}
}

// DetectText returns the full text Cloud Vision reads on the cover.
func (v *VisionTextDetector) DetectText(ctx context.Context, image []byte) (string, error) {
	const op = "DetectText"

	if len(image) == 0 {
		return "", NewCoverError(op, ErrEmptyImage, "")
	}
	if len(image) > MaxVisionImageBytes {
		return "", NewCoverError(op, ErrImageTooLarge, fmt.Sprintf("file size: %d bytes", len(image)))
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: image},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_TEXT_DETECTION},
				},
			},
		},
	}

	start := time.Now()
	resp, err := v.client.BatchAnnotateImages(ctx, req)
	metrics.ObserveUpstream(metrics.UpstreamVision, start)
	if err != nil {
		return "", WrapCoverError(op, ErrOCRFailed, fmt.Sprintf("Vision API call failed: %v", err))
	}

	if len(resp.Responses) == 0 {
		return "", WrapCoverError(op, ErrOCRFailed, "no response from Vision API")
	}

	imageResp := resp.Responses[0]
	if imageResp.Error != nil {
		return "", WrapCoverError(op, ErrOCRFailed, fmt.Sprintf("Vision API error: %s", imageResp.Error.Message))
	}

	text := coverText(imageResp)
	if text == "" {
		return "", NewCoverError(op, ErrNoText, "")
	}

	v.log.Debug().
		Int("text_length", len(text)).
		Msg("Cover text detected")

	return text, nil
}

// coverText prefers the full annotation and falls back to the first text
// annotation, which Vision fills with the whole detected block.
func coverText(resp *visionpb.AnnotateImageResponse) string {
	if resp.FullTextAnnotation != nil {
		if text := strings.TrimSpace(resp.FullTextAnnotation.Text); text != "" {
			return text
		}
	}
	if len(resp.TextAnnotations) > 0 {
		return strings.TrimSpace(resp.TextAnnotations[0].Description)
	}
	return ""
}

// Close closes the underlying Vision client.
func (v *VisionTextDetector) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
