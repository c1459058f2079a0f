// Package device derives the advisory identity used to meter lookups.
//
// Identities come from the client and can be forged or reset at will. They
// are good enough to stop casual overuse and nothing more.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ID identifies a device for quota purposes.
type ID string

const (
	// Header carries a client-persisted device identity.
	Header = "X-Device-ID"
	// CookieName is the cookie the server sets so browsers keep their identity.
	CookieName = "libria_device_id"
	// Fallback is used when no identity can be derived at all.
	Fallback ID = "temp_device"

	maxIDLength  = 64
	cookieMaxAge = 365 * 24 * time.Hour
)

type key int

const idKey key = 0

// FromContext returns the identity stored by Middleware, or Fallback.
func FromContext(ctx context.Context) ID {
	if id, ok := ctx.Value(idKey).(ID); ok && id != "" {
		return id
	}
	return Fallback
}

// WithID stores id in ctx.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// Identify resolves the device identity for a request. The explicit header
// wins, then the cookie, then a fingerprint of the request headers.
func Identify(r *http.Request) ID {
	if id := clean(r.Header.Get(Header)); id != "" {
		return id
	}
	if c, err := r.Cookie(CookieName); err == nil {
		if id := clean(c.Value); id != "" {
			return id
		}
	}

	ua := r.UserAgent()
	if ua == "" {
		return Fallback
	}
	return Fingerprint(ua, r.Header.Get("X-Screen"), r.Header.Get("X-Timezone"), primaryLanguage(r.Header.Get("Accept-Language")))
}

// Middleware identifies the device, stores it in the request context and
// sets the identity cookie when the client did not send one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identify(r)
		if id != Fallback {
			if _, err := r.Cookie(CookieName); err != nil {
				Remember(w, id)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

// Remember persists id in the client's cookie jar.
func Remember(w http.ResponseWriter, id ID) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    string(id),
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type fingerprintData struct {
	UserAgent string `json:"userAgent"`
	Screen    string `json:"screen"`
	Timezone  string `json:"timezone"`
	Language  string `json:"language"`
}

// Fingerprint hashes the browser traits the web client collects. It yields
// the same identity the browser script computes for the same inputs.
func Fingerprint(userAgent, screen, timezone, language string) ID {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding four strings cannot fail.
	_ = enc.Encode(fingerprintData{
		UserAgent: userAgent,
		Screen:    screen,
		Timezone:  timezone,
		Language:  language,
	})
	payload := strings.TrimSuffix(buf.String(), "\n")

	var hash int32
	for _, unit := range utf16Units(payload) {
		hash = (hash << 5) - hash + int32(unit)
	}

	n := int64(hash)
	if n < 0 {
		n = -n
	}
	return ID(strconv.FormatInt(n, 36))
}

func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
			continue
		}
		units = append(units, uint16(r))
	}
	return units
}

// clean trims a client-supplied identity and rejects anything that is not a
// short token of letters, digits, dashes and underscores.
func clean(raw string) ID {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxIDLength {
		return ""
	}
	for _, c := range raw {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return ""
		}
	}
	return ID(raw)
}

func primaryLanguage(accept string) string {
	first, _, _ := strings.Cut(accept, ",")
	tag, _, _ := strings.Cut(first, ";")
	return strings.TrimSpace(tag)
}
