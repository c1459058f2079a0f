package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"libria/internal/cover"
	"libria/internal/llmjson"
	"libria/internal/logger"
	"libria/internal/lookup"
	"libria/internal/mailer"
	"libria/internal/quota"
	"libria/internal/research"
)

var (
	errBadRequest     = errors.New("bad request")
	errUploadTooLarge = errors.New("upload too large")
)

// Generic messages shown when DEBUG is off.
const (
	msgUpstream = "❌ No se pudo completar la búsqueda. Inténtalo de nuevo en unos minutos."
	msgInternal = "❌ Error interno del servidor."
)

type errorResponse struct {
	Error  string         `json:"error"`
	Tips   string         `json:"tips,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Quota  *quotaResponse `json:"quota,omitempty"`
}

// classify maps an error to its status code and the message safe to show.
func classify(err error) (int, errorResponse) {
	var denied *lookup.DeniedError
	if errors.As(err, &denied) {
		return http.StatusTooManyRequests, errorResponse{
			Error: denied.Decision.Banner(),
			Quota: newQuotaResponse(denied.Decision),
		}
	}

	var parseErr *llmjson.ParseError
	var webhookErr *research.WebhookError
	var netErr net.Error

	switch {
	case errors.Is(err, cover.ErrImageTooLarge), errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "❌ La imagen es muy pesada."}
	case errors.Is(err, cover.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, errorResponse{Error: "❌ " + cover.ErrUnsupportedType.Error()}
	case errors.Is(err, cover.ErrEmptyImage), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorResponse{Error: "❌ Solicitud inválida."}
	case errors.Is(err, mailer.ErrInvalidEmail):
		return http.StatusBadRequest, errorResponse{Error: "❌ Email inválido. Verifica el formato."}
	case errors.Is(err, lookup.ErrCoverUnreadable):
		return http.StatusUnprocessableEntity, errorResponse{Error: lookup.UnreadableMessage, Tips: lookup.UnreadableTips}
	case errors.Is(err, quota.ErrNoLookup):
		return http.StatusForbidden, errorResponse{Error: "❌ Realiza una búsqueda antes de enviar el PDF."}
	case errors.Is(err, quota.ErrLimitReached):
		return http.StatusTooManyRequests, errorResponse{Error: "❌ Ya enviaste el PDF de cada búsqueda realizada."}
	case errors.Is(err, lookup.ErrDeliveryDisabled):
		return http.StatusServiceUnavailable, errorResponse{Error: "❌ El envío por email no está configurado."}
	case errors.As(err, &parseErr),
		errors.As(err, &webhookErr),
		errors.Is(err, llmjson.ErrNotObject),
		errors.Is(err, cover.ErrModelFailed),
		errors.Is(err, cover.ErrEmptyResponse),
		errors.Is(err, research.ErrEmptyDossier),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return http.StatusBadGateway, errorResponse{Error: msgUpstream, Tips: lookup.UnreadableTips}
	default:
		return http.StatusInternalServerError, errorResponse{Error: msgInternal}
	}
}

// writeError logs err and writes its JSON form. The raw error text is only
// included when the server runs with DEBUG enabled.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	if s.debug {
		resp.Detail = err.Error()
	}

	l := logger.WithContext(r.Context())
	event := l.Warn()
	if status >= http.StatusInternalServerError {
		event = l.Error()
	}
	event.Err(err).Int("status", status).Msg("Request failed")

	writeJSON(w, r, status, resp)
}
