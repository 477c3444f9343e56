package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatlink/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	subscribeMinBackoff = time.Second
	subscribeMaxBackoff = 30 * time.Second
)

var subscribeDesc = &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}

// Client is a single session's protocol client backed by the gateway.
type Client struct {
	gw        *Conn
	sessionID string
	logger    *slog.Logger

	connected atomic.Bool

	tokenMu       sync.RWMutex
	sessionString string

	streamMu   sync.Mutex
	subscribed bool
	closed     bool
	streamCtx  context.Context
	stopStream context.CancelFunc
	messages   chan protocol.InboundMessage
}

func newClient(gw *Conn, sessionID, sessionString string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		gw:            gw,
		sessionID:     sessionID,
		logger:        gw.logger.With("session_id", sessionID),
		sessionString: sessionString,
		streamCtx:     ctx,
		stopStream:    cancel,
		messages:      make(chan protocol.InboundMessage, gw.cfg.MessageBuffer),
	}
}

// request builds the common request envelope.
func (c *Client) request(fields map[string]any) (*structpb.Struct, error) {
	m := map[string]any{
		"session_id":     c.sessionID,
		"session_string": c.SessionString(),
		"api_id":         c.gw.cfg.APIID,
		"api_hash":       c.gw.cfg.APIHash,
	}
	for k, v := range fields {
		m[k] = v
	}
	req, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return req, nil
}

// call invokes a unary gateway method and returns the decoded response.
func (c *Client) call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	req, err := c.request(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.gw.conn.Invoke(ctx, serviceName+method, req, resp); err != nil {
		c.observe(err)
		return nil, mapError(err)
	}
	out := resp.AsMap()
	if token := stringField(out, "session_string"); token != "" {
		c.setSessionString(token)
	}
	return out, nil
}

func (c *Client) setSessionString(token string) {
	c.tokenMu.Lock()
	c.sessionString = token
	c.tokenMu.Unlock()
}

// SessionString returns the last resumable token issued by the gateway.
func (c *Client) SessionString() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.sessionString
}

// Connect opens the upstream connection for this session.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.call(ctx, "Connect", nil); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.connected.Store(true)
	return nil
}

// Disconnect closes the upstream connection and ends the message stream.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected.Store(false)
	c.closeStream()
	if _, err := c.call(ctx, "Disconnect", nil); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// LogOut terminates the authorization upstream.
func (c *Client) LogOut(ctx context.Context) error {
	if _, err := c.call(ctx, "LogOut", nil); err != nil {
		return fmt.Errorf("log out: %w", err)
	}
	return nil
}

// IsConnected reports connection liveness. It turns false once the gateway becomes
// unreachable and stays false until the next successful Connect.
func (c *Client) IsConnected() bool {
	if !c.connected.Load() {
		return false
	}
	if c.gw.conn == nil {
		return true
	}
	switch c.gw.conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return true
	}
}

// observe marks the client disconnected when err shows the gateway is unreachable.
func (c *Client) observe(err error) {
	if status.Code(err) != codes.Unavailable {
		return
	}
	if c.connected.CompareAndSwap(true, false) {
		c.logger.Warn("Gateway unreachable, marking session disconnected", "error", err)
	}
}

// IsAuthorized asks the gateway whether the session is logged in.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, "IsAuthorized", nil)
	if errors.Is(err, protocol.ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check authorization: %w", err)
	}
	return boolField(resp, "authorized"), nil
}

// RequestQRLogin starts a QR login and returns the URL to encode.
func (c *Client) RequestQRLogin(ctx context.Context) (*protocol.QRLogin, error) {
	resp, err := c.call(ctx, "RequestQRLogin", nil)
	if err != nil {
		return nil, err
	}
	url := stringField(resp, "url")
	if url == "" {
		return nil, errors.New("gateway returned empty qr url")
	}
	return &protocol.QRLogin{
		URL:       url,
		Token:     stringField(resp, "token"),
		ExpiresAt: timeField(resp, "expires_at"),
	}, nil
}

// RequestPhoneCode sends a login code to phone.
func (c *Client) RequestPhoneCode(ctx context.Context, phone string) (string, error) {
	resp, err := c.call(ctx, "RequestPhoneCode", map[string]any{"phone": phone})
	if err != nil {
		return "", err
	}
	hash := stringField(resp, "phone_code_hash")
	if hash == "" {
		return "", errors.New("gateway returned empty phone code hash")
	}
	return hash, nil
}

// SignInWithCode redeems a login code.
func (c *Client) SignInWithCode(ctx context.Context, phone, code, codeHash string) (*protocol.Identity, error) {
	resp, err := c.call(ctx, "SignInWithCode", map[string]any{
		"phone":           phone,
		"code":            code,
		"phone_code_hash": codeHash,
	})
	if err != nil {
		return nil, err
	}
	return c.identityFromResponse(resp)
}

// SignInWithPassword completes a two-factor login.
func (c *Client) SignInWithPassword(ctx context.Context, password string) (*protocol.Identity, error) {
	resp, err := c.call(ctx, "SignInWithPassword", map[string]any{"password": password})
	if err != nil {
		return nil, err
	}
	return c.identityFromResponse(resp)
}

// CurrentIdentity returns the logged-in account.
func (c *Client) CurrentIdentity(ctx context.Context) (*protocol.Identity, error) {
	resp, err := c.call(ctx, "GetMe", nil)
	if err != nil {
		return nil, err
	}
	return c.identityFromResponse(resp)
}

func (c *Client) identityFromResponse(resp map[string]any) (*protocol.Identity, error) {
	user, _ := resp["user"].(map[string]any)
	ident := identityFrom(user)
	if ident == nil {
		return nil, errors.New("gateway response missing user")
	}
	return ident, nil
}

// SendMessage sends text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo *int64) (*protocol.SentMessage, error) {
	if !c.IsConnected() {
		return nil, protocol.ErrNotConnected
	}
	fields := map[string]any{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    text,
	}
	if replyTo != nil {
		fields["reply_to"] = strconv.FormatInt(*replyTo, 10)
	}
	resp, err := c.call(ctx, "SendMessage", fields)
	if err != nil {
		return nil, err
	}
	id, ok := int64Field(resp, "id")
	if !ok {
		return nil, errors.New("gateway response missing message id")
	}
	date := timeField(resp, "date")
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return &protocol.SentMessage{ID: id, Date: date}, nil
}

// Messages returns the inbound message channel, starting the gateway stream on first use.
func (c *Client) Messages() <-chan protocol.InboundMessage {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if !c.subscribed && !c.closed {
		c.subscribed = true
		go c.subscribe(c.streamCtx)
	}
	return c.messages
}

func (c *Client) closeStream() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopStream()
	// Without a running subscriber nobody else will close the channel.
	if !c.subscribed {
		close(c.messages)
	}
}

// subscribe keeps the gateway message stream open until ctx is cancelled.
func (c *Client) subscribe(ctx context.Context) {
	defer close(c.messages)

	backoff := subscribeMinBackoff
	for ctx.Err() == nil {
		received, err := c.receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			backoff = subscribeMinBackoff
		}
		c.logger.Warn("Gateway message stream ended, resubscribing", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > subscribeMaxBackoff {
			backoff = subscribeMaxBackoff
		}
	}
}

// receive runs one Subscribe stream. It reports whether any message was received.
func (c *Client) receive(ctx context.Context) (bool, error) {
	stream, err := c.gw.conn.NewStream(ctx, subscribeDesc, serviceName+"Subscribe")
	if err != nil {
		c.observe(err)
		return false, mapError(err)
	}
	req, err := c.request(nil)
	if err != nil {
		return false, err
	}
	if err := stream.SendMsg(req); err != nil {
		c.observe(err)
		return false, mapError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return false, mapError(err)
	}

	received := false
	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return received, io.EOF
			}
			c.observe(err)
			return received, mapError(err)
		}
		msg, ok := messageFrom(frame.AsMap())
		if !ok {
			c.logger.Debug("Dropping malformed gateway message")
			continue
		}
		received = true
		c.push(msg)
	}
}

// push queues msg without blocking. When the queue is full the oldest message is dropped.
func (c *Client) push(msg protocol.InboundMessage) {
	select {
	case c.messages <- msg:
		return
	default:
	}

	c.logger.Warn("Inbound queue full, dropping oldest message", "queue_len", len(c.messages))
	select {
	case <-c.messages:
	default:
	}
	select {
	case c.messages <- msg:
	default:
		c.logger.Warn("Failed to queue inbound message after backpressure", "message_id", msg.ID)
	}
}

var _ protocol.Client = (*Client)(nil)
