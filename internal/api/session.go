package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatlink/internal/domain"
)

// SessionHandler serves the session lifecycle endpoints.
type SessionHandler struct {
	sessions Sessions
	now      func() time.Time
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions Sessions) *SessionHandler {
	return &SessionHandler{sessions: sessions, now: time.Now}
}

// RegisterRoutes registers the session routes on r.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/request-qr", h.RequestQR)
	r.Post("/request-phone-code", h.RequestPhoneCode)
	r.Post("/verify-code", h.VerifyCode)
	r.Post("/verify-password", h.VerifyPassword)
	r.Post("/disconnect", h.Disconnect)
	r.Get("/status/{session_id}", h.Status)
	r.Post("/send-message", h.SendMessage)
}

type requestQRRequest struct {
	AgentID int64 `json:"agent_id"`
}

type requestQRResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id"`
	QRURL     string    `json:"qr_url"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestQR creates a session and starts a QR-code login.
func (h *SessionHandler) RequestQR(w http.ResponseWriter, r *http.Request) {
	var req requestQRRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == 0 {
		Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	qr, err := h.sessions.CreateQRSession(r.Context(), req.AgentID)
	if err != nil {
		WriteError(w, err)
		return
	}

	slog.Info("QR code generated", "agent_id", req.AgentID, "session_id", qr.SessionID)
	JSON(w, http.StatusOK, requestQRResponse{
		Success:   true,
		SessionID: qr.SessionID,
		QRURL:     qr.URL,
		ExpiresIn: secondsUntil(qr.ExpiresAt, h.now()),
		ExpiresAt: qr.ExpiresAt,
	})
}

type requestPhoneCodeRequest struct {
	AgentID int64  `json:"agent_id"`
	Phone   string `json:"phone"`
}

type requestPhoneCodeResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Phone     string `json:"phone"`
	Message   string `json:"message"`
}

// RequestPhoneCode creates a session and sends a login code to the given phone.
func (h *SessionHandler) RequestPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req requestPhoneCodeRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == 0 {
		Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		Error(w, http.StatusBadRequest, "phone is required")
		return
	}

	sessionID, err := h.sessions.CreatePhoneSession(r.Context(), req.AgentID, req.Phone)
	if err != nil {
		WriteError(w, err)
		return
	}

	slog.Info("Phone code requested", "agent_id", req.AgentID, "session_id", sessionID)
	JSON(w, http.StatusOK, requestPhoneCodeResponse{
		Success:   true,
		SessionID: sessionID,
		Phone:     req.Phone,
		Message:   "verification code sent",
	})
}

type verifyCodeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type verifyPasswordRequest struct {
	SessionID string `json:"session_id"`
	Password  string `json:"password"`
}

type authResponse struct {
	Success          bool         `json:"success"`
	State            domain.State `json:"state"`
	Connected        bool         `json:"connected"`
	RequiresPassword bool         `json:"requires_password"`
	Phone            string       `json:"phone,omitempty"`
	UserID           *int64       `json:"user_id,omitempty"`
}

func newAuthResponse(result *domain.AuthResult) authResponse {
	return authResponse{
		Success:          true,
		State:            result.State,
		Connected:        result.Connected,
		RequiresPassword: result.RequiresPassword,
		Phone:            result.Phone,
		UserID:           result.UserID,
	}
}

// VerifyCode redeems a login code.
func (h *SessionHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Code) == "" {
		Error(w, http.StatusBadRequest, "session_id and code are required")
		return
	}

	result, err := h.sessions.RedeemCode(r.Context(), req.SessionID, strings.TrimSpace(req.Code))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, newAuthResponse(result))
}

// VerifyPassword redeems the two-factor password.
func (h *SessionHandler) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	var req verifyPasswordRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "session_id and password are required")
		return
	}

	result, err := h.sessions.RedeemPassword(r.Context(), req.SessionID, req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, newAuthResponse(result))
}

type disconnectRequest struct {
	SessionID string `json:"session_id"`
}

// Disconnect logs a session out and deletes it.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := h.sessions.Disconnect(r.Context(), req.SessionID); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "session disconnected",
	})
}

type statusResponse struct {
	Success bool `json:"success"`
	*domain.Status
}

// Status reports a session's state and live probe.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	status, err := h.sessions.GetStatus(r.Context(), sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, statusResponse{Success: true, Status: status})
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	ChatID    int64  `json:"chat_id"`
	Message   string `json:"message"`
	ReplyTo   *int64 `json:"reply_to,omitempty"`
}

type sendMessageResponse struct {
	Success   bool      `json:"success"`
	MessageID int64     `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// SendMessage sends a text message from a connected session.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || req.ChatID == 0 || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "session_id, chat_id and message are required")
		return
	}

	sent, err := h.sessions.SendMessage(r.Context(), req.SessionID, req.ChatID, req.Message, req.ReplyTo)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, sendMessageResponse{
		Success:   true,
		MessageID: sent.MessageID,
		SentAt:    sent.SentAt,
	})
}
