//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/relay"
)

type fakeSessions struct {
	qr        *domain.QRLogin
	sessionID string
	auth      *domain.AuthResult
	status    *domain.Status
	sent      *domain.SentMessage
	err       error
	live      int

	gotAgentID int64
	gotPhone   string
	gotCode    string
	gotChatID  int64
	gotReplyTo *int64
	disconnect string
}

func (f *fakeSessions) CreateQRSession(_ context.Context, agentID int64) (*domain.QRLogin, error) {
	f.gotAgentID = agentID
	return f.qr, f.err
}

func (f *fakeSessions) CreatePhoneSession(_ context.Context, agentID int64, phone string) (string, error) {
	f.gotAgentID = agentID
	f.gotPhone = phone
	return f.sessionID, f.err
}

func (f *fakeSessions) RedeemCode(_ context.Context, _ string, code string) (*domain.AuthResult, error) {
	f.gotCode = code
	return f.auth, f.err
}

func (f *fakeSessions) RedeemPassword(_ context.Context, _ string, _ string) (*domain.AuthResult, error) {
	return f.auth, f.err
}

func (f *fakeSessions) Disconnect(_ context.Context, sessionID string) error {
	f.disconnect = sessionID
	return f.err
}

func (f *fakeSessions) GetStatus(_ context.Context, _ string) (*domain.Status, error) {
	return f.status, f.err
}

func (f *fakeSessions) SendMessage(_ context.Context, _ string, chatID int64, _ string, replyTo *int64) (*domain.SentMessage, error) {
	f.gotChatID = chatID
	f.gotReplyTo = replyTo
	return f.sent, f.err
}

func (f *fakeSessions) LiveSessions() int { return f.live }

type fakeHealthStore struct {
	err      error
	active   int64
	inactive int64
}

func (p fakeHealthStore) Ping(context.Context) error { return p.err }

func (p fakeHealthStore) CountSessions(context.Context) (int64, int64, error) {
	return p.active, p.inactive, nil
}

func newRouter(sessions Sessions) chi.Router {
	r := chi.NewRouter()
	NewSessionHandler(sessions).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusCreated, map[string]string{"foo": "bar"})

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRequestQR(t *testing.T) {
	expires := time.Now().Add(5 * time.Minute)
	f := &fakeSessions{qr: &domain.QRLogin{SessionID: "s1", URL: "tg://login?token=x", ExpiresAt: expires}}

	rec := do(t, newRouter(f), http.MethodPost, "/request-qr", `{"agent_id": 42}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["session_id"] != "s1" || got["qr_url"] != "tg://login?token=x" {
		t.Fatalf("body = %v", got)
	}
	if in, _ := got["expires_in"].(float64); in < 290 || in > 300 {
		t.Fatalf("expires_in = %v", got["expires_in"])
	}
	if f.gotAgentID != 42 {
		t.Fatalf("agent id = %d", f.gotAgentID)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newRouter(&fakeSessions{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"qr missing agent", "/request-qr", `{}`},
		{"qr unknown field", "/request-qr", `{"agent_id": 1, "extra": true}`},
		{"qr empty body", "/request-qr", ``},
		{"phone missing phone", "/request-phone-code", `{"agent_id": 1}`},
		{"code missing code", "/verify-code", `{"session_id": "s"}`},
		{"password missing", "/verify-password", `{"session_id": "s"}`},
		{"disconnect missing id", "/disconnect", `{}`},
		{"send missing text", "/send-message", `{"session_id": "s", "chat_id": 5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{domain.ErrPreconditionFailed, http.StatusConflict},
		{domain.ErrInvalidCode, http.StatusBadRequest},
		{domain.ErrInvalidPassword, http.StatusBadRequest},
		{domain.ErrInvalidPhone, http.StatusBadRequest},
		{&domain.RateLimitError{Wait: 30 * time.Second}, http.StatusTooManyRequests},
		{domain.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{domain.ErrPersistence, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := &fakeSessions{err: tt.err}
			rec := do(t, newRouter(f), http.MethodPost, "/verify-code", `{"session_id": "s", "code": "1"}`)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	f := &fakeSessions{err: &domain.RateLimitError{Wait: 1500 * time.Millisecond}}
	rec := do(t, newRouter(f), http.MethodPost, "/request-phone-code", `{"agent_id": 1, "phone": "+1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
}

func TestVerifyCodeRequiresPassword(t *testing.T) {
	f := &fakeSessions{auth: &domain.AuthResult{State: domain.StateAwaitingPassword, RequiresPassword: true, Phone: "+1"}}
	rec := do(t, newRouter(f), http.MethodPost, "/verify-code", `{"session_id": "s", "code": " 12345 "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["requires_password"] != true || got["connected"] != false {
		t.Fatalf("body = %v", got)
	}
	if f.gotCode != "12345" {
		t.Fatalf("code = %q, want trimmed", f.gotCode)
	}
}

func TestStatus(t *testing.T) {
	userID := int64(999)
	f := &fakeSessions{status: &domain.Status{
		SessionID: "s1",
		State:     domain.StateConnected,
		Connected: true,
		Probe:     domain.Probe{Live: true, Connected: true, Authorized: true},
		Phone:     "+100",
		UserID:    &userID,
	}}
	rec := do(t, newRouter(f), http.MethodGet, "/status/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["connected"] != true || got["phone"] != "+100" || got["user_id"] != float64(999) {
		t.Fatalf("body = %v", got)
	}
}

func TestSendMessage(t *testing.T) {
	f := &fakeSessions{sent: &domain.SentMessage{MessageID: 7, SentAt: time.Unix(1700000000, 0).UTC()}}
	rec := do(t, newRouter(f), http.MethodPost, "/send-message",
		`{"session_id": "s", "chat_id": -100123, "message": "hi", "reply_to": 4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.gotChatID != -100123 || f.gotReplyTo == nil || *f.gotReplyTo != 4 {
		t.Fatalf("chat_id = %d reply_to = %v", f.gotChatID, f.gotReplyTo)
	}
	if got := decodeBody(t, rec); got["message_id"] != float64(7) {
		t.Fatalf("body = %v", got)
	}
}

func TestDisconnect(t *testing.T) {
	f := &fakeSessions{}
	rec := do(t, newRouter(f), http.MethodPost, "/disconnect", `{"session_id": "s9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.disconnect != "s9" {
		t.Fatalf("disconnected %q", f.disconnect)
	}
}

func TestHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHealthHandler(fakeHealthStore{active: 4, inactive: 2}, &fakeSessions{live: 3}, time.Second).RegisterHealth(r)

	rec := do(t, r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["live_sessions"] != float64(3) {
		t.Fatalf("body = %v", got)
	}
	stored, _ := got["stored_sessions"].(map[string]any)
	if stored["active"] != float64(4) || stored["inactive"] != float64(2) {
		t.Fatalf("stored_sessions = %v", got["stored_sessions"])
	}

	r = chi.NewRouter()
	NewHealthHandler(fakeHealthStore{err: errors.New("gone")}, &fakeSessions{}, time.Second).RegisterHealth(r)
	if rec := do(t, r, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rec.Code)
	}
}

func TestEventsUnknownSession(t *testing.T) {
	r := chi.NewRouter()
	NewEventsHandler(&fakeSessions{err: domain.ErrSessionNotFound}, relay.NewBroadcaster(1), nil).RegisterRoutes(r)

	rec := do(t, r, http.MethodGet, "/events/nope/ws", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	broadcaster := relay.NewBroadcaster(4)
	f := &fakeSessions{status: &domain.Status{SessionID: "s1"}}
	r := chi.NewRouter()
	NewEventsHandler(f, broadcaster, nil).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/s1/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.CloseNow()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.Subscribers("s1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	broadcaster.Publish("s1", &relay.Payload{Event: domain.EventNewMessage, SessionID: "s1"})

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var got relay.Payload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != domain.EventNewMessage || got.SessionID != "s1" {
		t.Fatalf("payload = %+v", got)
	}

	broadcaster.CloseSession("s1")
	if _, _, err := ws.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}
