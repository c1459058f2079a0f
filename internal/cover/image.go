package cover

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// DefaultMIME is assumed when the client does not say what it uploaded.
const DefaultMIME = "image/jpeg"

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

// ValidateImage checks an upload and returns its normalised MIME type.
// An empty mime falls back to sniffing the bytes, then to DefaultMIME.
func ValidateImage(image []byte, mime string, maxBytes int64) (string, error) {
	const op = "ValidateImage"

	if len(image) == 0 {
		return "", NewCoverError(op, ErrEmptyImage, "")
	}
	if maxBytes > 0 && int64(len(image)) > maxBytes {
		return "", NewCoverError(op, ErrImageTooLarge,
			fmt.Sprintf("%.2f MB, limit %.0f MB", float64(len(image))/(1024*1024), float64(maxBytes)/(1024*1024)))
	}

	mime = NormalizeMIME(mime, image)
	if !allowedMIME[mime] {
		return "", NewCoverError(op, ErrUnsupportedType, mime)
	}
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}
	return mime, nil
}

// NormalizeMIME strips parameters and lowercases mime. Generic or missing
// types are replaced by the sniffed type of image, or DefaultMIME.
func NormalizeMIME(mime string, image []byte) string {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime != "" && mime != "application/octet-stream" {
		return mime
	}
	if len(image) > 0 {
		sniffed, _, _ := strings.Cut(http.DetectContentType(image), ";")
		if strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
	}
	return DefaultMIME
}

// DataURL encodes image as an RFC 2397 data URL.
func DataURL(image []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
