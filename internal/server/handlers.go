package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"libria/internal/device"
	"libria/internal/logger"
	"libria/internal/lookup"
	"libria/internal/quota"
	"libria/pkg/models"
)

// quotaResponse is the public view of a quota.Decision.
type quotaResponse struct {
	DeviceID  string `json:"device_id"`
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Allowed   bool   `json:"allowed"`
	Phase     string `json:"phase"`
	Banner    string `json:"banner"`
}

func newQuotaResponse(d quota.Decision) *quotaResponse {
	return &quotaResponse{
		DeviceID:  d.Device,
		Tier:      string(d.Tier.Name),
		Limit:     d.Tier.Limit,
		Used:      d.State.UsageCount,
		Remaining: d.DisplayRemaining(),
		Allowed:   d.Allowed,
		Phase:     d.Phase.String(),
		Banner:    d.Banner(),
	}
}

type scanResponse struct {
	Title   *string        `json:"titulo"`
	Author  *string        `json:"autor"`
	Dossier map[string]any `json:"dossier,omitempty"`
	Quota   *quotaResponse `json:"quota"`
}

// dossierRequest is the body of /deliver and /report.
type dossierRequest struct {
	Email   string         `json:"email,omitempty"`
	Title   string         `json:"title"`
	Author  string         `json:"author"`
	Dossier map[string]any `json:"dossier"`
}

func (d dossierRequest) dossier() *models.Dossier {
	if d.Dossier == nil {
		return nil
	}
	dossier := models.DossierFromMap(d.Dossier)
	return &dossier
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":   "ok",
		"research": s.svc.ResearchEnabled(),
		"email":    s.svc.DeliveryEnabled(),
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	token := quota.FirstValue(r.URL.Query()["token"])
	decision, err := s.svc.Quota(r.Context(), string(device.FromContext(r.Context())), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newQuotaResponse(decision))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.maxImageBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, fmt.Errorf("%w: %v", errUploadTooLarge, err))
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: missing image field", errBadRequest))
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read image: %v", errBadRequest, err))
		return
	}

	result, err := s.svc.Scan(r.Context(), lookup.ScanRequest{
		Device: string(device.FromContext(r.Context())),
		Token:  quota.FirstValue(r.URL.Query()["token"]),
		Image:  image,
		MIME:   header.Header.Get("Content-Type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := scanResponse{
		Title:  result.Cover.Title,
		Author: result.Cover.Author,
		Quota:  newQuotaResponse(result.Decision),
	}
	if result.Dossier != nil {
		resp.Dossier = result.Dossier.Raw
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req dossierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.svc.Deliver(r.Context(), lookup.DeliverRequest{
		Device:  string(device.FromContext(r.Context())),
		Email:   req.Email,
		Title:   req.Title,
		Author:  req.Author,
		Dossier: req.dossier(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "sent",
		"message": fmt.Sprintf("✅ PDF enviado a %s", req.Email),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req dossierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pdf, name, err := s.svc.Report(req.dossier(), req.Title, req.Author)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		logger.WithContext(r.Context()).Warn().Err(err).Msg("Failed to write PDF")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WithContext(r.Context()).Warn().Err(err).Msg("Error encoding response")
	}
}
