package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libria/internal/config"
	"libria/internal/cover"
	"libria/internal/device"
	"libria/internal/lookup"
	"libria/internal/quota"
	"libria/pkg/models"
)

var jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")

func strPtr(s string) *string { return &s }

type stubExtractor struct {
	info *models.CoverInfo
	err  error
}

func (s stubExtractor) Extract(context.Context, []byte, string) (*models.CoverInfo, error) {
	return s.info, s.err
}

type stubMailer struct{ to string }

func (s *stubMailer) SendDossier(_ context.Context, to, _ string, _ []byte) error {
	s.to = to
	return nil
}

type testEnv struct {
	handler http.Handler
	server  *Server
}

func newTestEnv(t *testing.T, extractor cover.Extractor, opts ...lookup.Option) *testEnv {
	t.Helper()
	store := quota.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	gate := quota.NewGate(store, quota.Policy{StandardLimit: 2, EvaluatorLimit: 50, EvaluatorToken: "EVAL2024"})

	svc := lookup.New(gate, extractor, opts...)
	srv := New(svc, config.Default())
	return &testEnv{handler: srv.Handler(), server: srv}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Header.Get(device.Header) == "" {
		req.Header.Set(device.Header, "device-test")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func scanRequest(t *testing.T, query string, image []byte, contentType string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="cover.jpg"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scan"+query, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func rayuela() stubExtractor {
	return stubExtractor{info: &models.CoverInfo{Title: strPtr("Rayuela"), Author: strPtr("Julio Cortázar")}}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, rayuela())
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["research"])
	assert.Equal(t, false, body["email"])
}

func TestQuotaEndpoint(t *testing.T) {
	env := newTestEnv(t, rayuela())

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "device-test", body["device_id"])
	assert.Equal(t, "standard", body["tier"])
	assert.EqualValues(t, 2, body["remaining"])
	assert.Equal(t, "fresh", body["phase"])
	assert.Equal(t, "⚡ Te quedan 2 de 2 búsquedas gratuitas", body["banner"])
	assert.Contains(t, rec.Header().Get("Set-Cookie"), device.CookieName+"=device-test")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/quota?token=EVAL2024&token=other", nil))
	body = decodeBody(t, rec)
	assert.Equal(t, "evaluator", body["tier"])
	assert.EqualValues(t, 50, body["remaining"])
}

func TestScanMetersDevice(t *testing.T) {
	env := newTestEnv(t, rayuela())

	rec := env.do(scanRequest(t, "", jpegHeader, "image/jpeg"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Rayuela", body["titulo"])
	assert.Equal(t, "Julio Cortázar", body["autor"])
	assert.NotContains(t, body, "dossier")
	quotaBody := body["quota"].(map[string]any)
	assert.EqualValues(t, 1, quotaBody["remaining"])
	assert.Equal(t, "⚠️ Última búsqueda disponible (1 de 2)", quotaBody["banner"])

	rec = env.do(scanRequest(t, "", jpegHeader, "application/octet-stream"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(scanRequest(t, "", jpegHeader, "image/jpeg"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "❌ Has alcanzado tu límite de 2 búsquedas gratuitas", body["error"])
	assert.EqualValues(t, 0, body["quota"].(map[string]any)["remaining"])

	rec = env.do(scanRequest(t, "?token=EVAL2024", jpegHeader, "image/jpeg"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 47, decodeBody(t, rec)["quota"].(map[string]any)["remaining"])
}

func TestScanErrors(t *testing.T) {
	tests := []struct {
		name      string
		extractor stubExtractor
		req       func(t *testing.T) *http.Request
		status    int
	}{
		{
			name:      "unsupported type",
			extractor: rayuela(),
			req:       func(t *testing.T) *http.Request { return scanRequest(t, "", jpegHeader, "image/gif") },
			status:    http.StatusUnsupportedMediaType,
		},
		{
			name:      "empty image",
			extractor: rayuela(),
			req:       func(t *testing.T) *http.Request { return scanRequest(t, "", nil, "image/jpeg") },
			status:    http.StatusBadRequest,
		},
		{
			name:      "not multipart",
			extractor: rayuela(),
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", strings.NewReader("{}"))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			status: http.StatusBadRequest,
		},
		{
			name:      "unreadable cover",
			extractor: stubExtractor{info: &models.CoverInfo{}},
			req:       func(t *testing.T) *http.Request { return scanRequest(t, "", jpegHeader, "image/jpeg") },
			status:    http.StatusUnprocessableEntity,
		},
		{
			name:      "model failure",
			extractor: stubExtractor{err: cover.ErrModelFailed},
			req:       func(t *testing.T) *http.Request { return scanRequest(t, "", jpegHeader, "image/jpeg") },
			status:    http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.extractor)
			rec := env.do(tt.req(t))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, body, "detail")
		})
	}
}

func TestScanUnreadableIncludesTips(t *testing.T) {
	env := newTestEnv(t, stubExtractor{info: &models.CoverInfo{}})
	body := decodeBody(t, env.do(scanRequest(t, "", jpegHeader, "image/jpeg")))
	assert.Equal(t, lookup.UnreadableMessage, body["error"])
	assert.Equal(t, lookup.UnreadableTips, body["tips"])
}

func TestScanTooLarge(t *testing.T) {
	env := newTestEnv(t, rayuela(), lookup.WithMaxImageBytes(4))
	rec := env.do(scanRequest(t, "", jpegHeader, "image/jpeg"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDebugExposesDetail(t *testing.T) {
	env := newTestEnv(t, stubExtractor{err: cover.ErrModelFailed})
	env.server.debug = true
	env.handler = env.server.Handler()

	body := decodeBody(t, env.do(scanRequest(t, "", jpegHeader, "image/jpeg")))
	assert.Contains(t, body["detail"], cover.ErrModelFailed.Error())
}

func TestDeliver(t *testing.T) {
	payload := `{"email":"lector@example.com","dossier":{"informacion_basica":{"titulo":"Rayuela"}}}`

	env := newTestEnv(t, rayuela())
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(payload)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m := &stubMailer{}
	env = newTestEnv(t, rayuela(), lookup.WithMailer(m))
	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(payload)))
	assert.Equal(t, http.StatusForbidden, rec.Code, "no lookup yet")
	assert.Empty(t, m.to)

	require.Equal(t, http.StatusOK, env.do(scanRequest(t, "", jpegHeader, "image/jpeg")).Code)
	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "lector@example.com", m.to)
	assert.Equal(t, "sent", decodeBody(t, rec)["status"])

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(payload)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "one email per lookup")

	other := httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(payload))
	other.Header.Set(device.Header, "device-other")
	assert.Equal(t, http.StatusForbidden, env.do(other).Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(`{"email":"nope"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/deliver", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReport(t *testing.T) {
	env := newTestEnv(t, rayuela())
	payload := `{"title":"Rayuela","author":"Julio Cortázar","dossier":{"contenido":{"sinopsis":"Un juego."}}}`

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/report", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Rayuela.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, rayuela())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	assert.Equal(t, "req-123", env.do(req).Header().Get(RequestIDHeader))

	generated := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, rayuela())
	env.do(scanRequest(t, "", jpegHeader, "image/jpeg"))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "libria_scans_total")
}

func preflight(env *testEnv, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/scan", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	return env.do(req)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, rayuela())

	rec := preflight(env, "https://libria.example")
	assert.Less(t, rec.Code, 300)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"), "wildcard origins never get credentials")
}

func TestCORSCredentialsForListedOrigins(t *testing.T) {
	env := newTestEnv(t, rayuela())
	env.server.origins = []string{"https://libria.example"}
	env.handler = env.server.Handler()

	rec := preflight(env, "https://libria.example")
	assert.Equal(t, "https://libria.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = preflight(env, "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestExplicitOrigins(t *testing.T) {
	assert.False(t, explicitOrigins(nil))
	assert.False(t, explicitOrigins([]string{"*"}))
	assert.False(t, explicitOrigins([]string{"https://a.example", "https://*.b.example"}))
	assert.True(t, explicitOrigins([]string{"https://a.example", "https://b.example"}))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	store := quota.NewMemoryStore(time.Hour)
	defer store.Close()
	srv := New(lookup.New(quota.NewGate(store, quota.Policy{StandardLimit: 1}), rayuela()), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
