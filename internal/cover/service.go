// Package cover reads the title and author from a photo of a book cover.
//
// The main path sends the image to an OpenAI vision model and decodes its
// reply with the llmjson salvage parser. An optional Google Cloud Vision text
// detector can run first; its raw text is passed to the model as a hint.
//
// Required Environment Variables:
//   - OPENAI_API_KEY: key for the vision model
//
// Optional:
//   - OPENAI_MODEL, OPENAI_BASE_URL
//   - VISION_OCR_ENABLED=true plus GOOGLE_APPLICATION_CREDENTIALS or
//     GOOGLE_CREDENTIALS for the Cloud Vision hint
package cover

import (
	"context"

	"libria/pkg/models"
)

// Extractor reads cover details from an image.
type Extractor interface {
	// Extract returns what could be read from the cover. Fields the model was
	// unsure about are nil.
	Extract(ctx context.Context, image []byte, mime string) (*models.CoverInfo, error)
}

// TextDetector returns the raw text printed on an image.
type TextDetector interface {
	DetectText(ctx context.Context, image []byte) (string, error)
}

const (
	// SystemPrompt pins the model to JSON-only output.
	SystemPrompt = "Eres un extractor de datos de portadas de libros. Devuelve únicamente JSON válido, sin texto extra, sin Markdown."

	// UserPrompt asks for the two fields and nothing else.
	UserPrompt = `Extrae SOLO:
- titulo
- autor

Reglas:
- Responde únicamente JSON estricto.
- Si no estás seguro, usa null.
- No inventes editorial, año, sinopsis, etc.

Formato exacto:
{
  "titulo": "…",
  "autor": "…"
}`

	// ocrHintHeader introduces detected text appended to UserPrompt.
	ocrHintHeader = "\n\nTexto detectado en la portada (puede contener errores):\n"
)
