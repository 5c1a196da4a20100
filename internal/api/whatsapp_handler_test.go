package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cxcodigodaconversao/crm-bot-api/internal/provider"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/session"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/ws"
	"github.com/cxcodigodaconversao/crm-bot-api/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-secret-key"

type stubHandle struct {
	events     chan provider.Event
	closeOnce  sync.Once
	pairingErr error
}

func (h *stubHandle) Events() <-chan provider.Event { return h.events }

func (h *stubHandle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if h.pairingErr != nil {
		return "", h.pairingErr
	}
	return "STUB-CODE", nil
}

func (h *stubHandle) SaveCredentials(ctx context.Context) error { return nil }

func (h *stubHandle) SendText(ctx context.Context, to, text string) error { return nil }

func (h *stubHandle) Close() {
	h.closeOnce.Do(func() { close(h.events) })
}

// stubProvider emits a fixed QR or connected event as soon as a session opens.
type stubProvider struct {
	mu         sync.Mutex
	openErr    error
	pairingErr error
	opened     int
	qr         string
	identity   string
}

func (p *stubProvider) Open(ctx context.Context, userID string) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	if p.openErr != nil {
		return nil, p.openErr
	}
	h := &stubHandle{events: make(chan provider.Event, 4), pairingErr: p.pairingErr}
	if p.qr != "" {
		h.events <- provider.Event{Kind: provider.EventQR, QRDataURL: p.qr}
	}
	if p.identity != "" {
		h.events <- provider.Event{Kind: provider.EventOpened, Identity: p.identity}
	}
	return h, nil
}

func (p *stubProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func newTestServer(t *testing.T, p provider.Provider) *Server {
	t.Helper()
	cfg := &config.Config{
		APIKey: testAPIKey,
		Port:   "3001",
		Env:    "test",
	}
	manager := session.NewManager(p, session.Config{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
	})
	hub := ws.NewHub()
	go hub.Run()
	return NewServer(cfg, manager, nil, hub)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, key string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var parsed map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed))
	}
	return resp, parsed
}

func TestHealthEndpointIsPublic(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	resp, body := doJSON(t, s, "GET", "/health", nil, "")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIKeyRequired(t *testing.T) {
	p := &stubProvider{}
	s := newTestServer(t, p)

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, "")
	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, "wrong-key")
	assert.Equal(t, 401, resp.StatusCode)

	assert.Equal(t, 0, p.openCount(), "unauthorized requests must not reach the provider")
}

func TestConnectRequiresUserID(t *testing.T) {
	p := &stubProvider{}
	s := newTestServer(t, p)

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{}, testAPIKey)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, 0, p.openCount(), "validation must run before the provider is touched")
}

func TestConnectReturnsQRCode(t *testing.T) {
	s := newTestServer(t, &stubProvider{qr: "data:image/png;base64,AAAA"})

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "u1", body["userId"])
	assert.Equal(t, "data:image/png;base64,AAAA", body["qrCode"])
	assert.Nil(t, body["pairingCode"])
	assert.Equal(t, "qrcode", body["method"])
}

func TestConnectDegradesOnProviderFailure(t *testing.T) {
	s := newTestServer(t, &stubProvider{openErr: errors.New("socket refused")})

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode, "provider failures must not surface as 5xx")
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "u1", body["userId"])
}

func TestConnectTimeoutReportsFailure(t *testing.T) {
	s := newTestServer(t, &stubProvider{}) // no QR ever arrives

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "awaiting_connection", body["status"])
	assert.Nil(t, body["qrCode"])
	assert.Nil(t, body["pairingCode"])
}

func TestConnectReturnsPairingCode(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{
		"userId": "u1", "phoneNumber": "5511988887777",
	}, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "STUB-CODE", body["pairingCode"])
	assert.Nil(t, body["qrCode"])
	assert.Equal(t, "pairing", body["method"])
}

func TestConnectPairingFailureKeepsMethod(t *testing.T) {
	s := newTestServer(t, &stubProvider{pairingErr: errors.New("phone not registered")})

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{
		"userId": "u1", "phoneNumber": "+55 11 98888-7777",
	}, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "pairing", body["method"], "phone number supplied, method must stay pairing")
	assert.Equal(t, "awaiting_connection", body["status"])
	assert.Nil(t, body["qrCode"])
	assert.Nil(t, body["pairingCode"])
}

func TestConnectIsIdempotent(t *testing.T) {
	p := &stubProvider{qr: "data:image/png;base64,AAAA"}
	s := newTestServer(t, p)

	resp, _ := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)
	require.Equal(t, 200, resp.StatusCode)

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, p.openCount())
	assert.Equal(t, "Session already started", body["message"])
}

func TestQRCodeEndpoint(t *testing.T) {
	s := newTestServer(t, &stubProvider{qr: "data:image/png;base64,AAAA"})

	resp, _ := doJSON(t, s, "GET", "/api/whatsapp/qrcode/u1", nil, testAPIKey)
	assert.Equal(t, 404, resp.StatusCode, "no session yet")

	doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)

	resp, body := doJSON(t, s, "GET", "/api/whatsapp/qrcode/u1", nil, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "data:image/png;base64,AAAA", body["qrCode"])
}

func TestQRCodeEndpointConnectedSession(t *testing.T) {
	s := newTestServer(t, &stubProvider{identity: "5511999999999@s.whatsapp.net"})

	doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)

	// The artifact slot is cleared on connect; the session itself is live,
	// so the lookup answers with nulls rather than a 404.
	resp, body := doJSON(t, s, "GET", "/api/whatsapp/qrcode/u1", nil, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["qrCode"])
	assert.Nil(t, body["pairingCode"])
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, &stubProvider{qr: "data:image/png;base64,AAAA"})

	resp, body := doJSON(t, s, "GET", "/api/whatsapp/status/u1", nil, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, "disconnected", body["status"])

	doJSON(t, s, "POST", "/api/whatsapp/connect", map[string]string{"userId": "u1"}, testAPIKey)

	_, body = doJSON(t, s, "GET", "/api/whatsapp/status/u1", nil, testAPIKey)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, true, body["hasQRCode"])
	assert.Equal(t, false, body["hasPairingCode"])
	assert.Equal(t, "awaiting_connection", body["status"])
}

func TestSendRequiresConnectedSession(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/send", map[string]string{
		"userId": "u1", "to": "5511988887777", "text": "hi",
	}, testAPIKey)
	assert.Equal(t, 409, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestDisconnectWithoutSession(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	resp, body := doJSON(t, s, "POST", "/api/whatsapp/disconnect", map[string]string{"userId": "u1"}, testAPIKey)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestInstagramConnectStub(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	resp, body := doJSON(t, s, "POST", "/api/instagram/connect", nil, testAPIKey)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["message"])
}
