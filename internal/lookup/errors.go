package lookup

import (
	"errors"

	"libria/internal/quota"
)

// Common lookup errors
var (
	// ErrQuotaExceeded is returned when the device has no lookups left.
	ErrQuotaExceeded = errors.New("lookup quota exceeded")

	// ErrCoverUnreadable is returned when neither title nor author could be
	// read from the cover. The lookup is not charged.
	ErrCoverUnreadable = errors.New("could not read title or author from the cover")

	// ErrDeliveryDisabled is returned by Deliver when no mail sender is wired.
	ErrDeliveryDisabled = errors.New("email delivery is disabled")
)

// User-facing messages shared by the HTTP and CLI surfaces.
const (
	UnreadableMessage = "❌ No se pudo extraer el título y autor. " +
		"Consejos: usa una foto frontal, con buena luz y sin reflejos."
	UnreadableTips = "✓ Foto frontal de la portada (no en ángulo)\n" +
		"✓ Buena iluminación sin reflejos\n" +
		"✓ Texto claramente legible\n" +
		"✓ Portada completa en el encuadre\n" +
		"✓ Evita sombras o brillos en el texto"
)

// DeniedError carries the decision that refused a scan. It matches
// ErrQuotaExceeded with errors.Is.
type DeniedError struct {
	Decision quota.Decision
}

func (e *DeniedError) Error() string {
	return e.Decision.Banner()
}

func (e *DeniedError) Unwrap() error {
	return ErrQuotaExceeded
}
