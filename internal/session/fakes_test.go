package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/registry"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	writes    int
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*domain.Session)}
}

func (s *memStore) CreateSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return fmt.Errorf("duplicate session %s", session.SessionID)
	}
	cp := *session
	s.sessions[session.SessionID] = &cp
	s.writes++
	return nil
}

func (s *memStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) ListActiveSessions(_ context.Context) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.IsActive {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateSession(_ context.Context, sessionID string, u domain.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	sess := s.sessions[sessionID]
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if u.State != nil {
		sess.State = *u.State
	}
	if u.Phone != nil {
		sess.Phone = *u.Phone
	}
	if u.PhoneCodeHash != nil {
		sess.PhoneCodeHash = *u.PhoneCodeHash
	}
	if u.SessionString != nil {
		sess.SessionString = *u.SessionString
	}
	if u.UserID != nil {
		id := *u.UserID
		sess.UserID = &id
	}
	if u.IsActive != nil {
		sess.IsActive = *u.IsActive
	}
	if u.ConnectedAt != nil {
		at := *u.ConnectedAt
		sess.ConnectedAt = &at
	}
	if u.LastActivity != nil && u.LastActivity.After(sess.LastActivity) {
		sess.LastActivity = *u.LastActivity
	}
	s.writes++
	return nil
}

func (s *memStore) TouchActivity(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if at.After(sess.LastActivity) {
		sess.LastActivity = at
	}
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	if ok {
		s.writes++
	}
	return ok, nil
}

func (s *memStore) CountSessions(_ context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active, inactive int64
	for _, sess := range s.sessions {
		if sess.IsActive {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive, nil
}

func (s *memStore) put(sess *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
}

func (s *memStore) get(sessionID string) *domain.Session {
	sess, _ := s.GetSession(context.Background(), sessionID)
	return sess
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeClient struct {
	mu           sync.Mutex
	sessionID    string
	token        string
	connected    bool
	authorized   bool
	connectErr   error
	authErr      error
	phoneErr     error
	qrErr        error
	sendErr      error
	codeErrs     []error
	passwordErrs []error
	identity     *protocol.Identity
	loggedOut    bool
	disconnects  int
	signIns      int
	messages     chan protocol.InboundMessage
	// hangs names methods that block until their context is done.
	hangs        map[string]bool
	closeCtxErr  error
}

func newFakeClient(sessionID, token string) *fakeClient {
	return &fakeClient{
		sessionID: sessionID,
		token:     token,
		identity:  &protocol.Identity{UserID: 999, Phone: "+100", FirstName: "Ada"},
		messages:  make(chan protocol.InboundMessage, 8),
	}
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	if c.token == "" {
		c.token = "tok-" + c.sessionID
	}
	return nil
}

// hang blocks until ctx is done when method is listed in hangs.
func (c *fakeClient) hang(ctx context.Context, method string) error {
	c.mu.Lock()
	blocked := c.hangs[method]
	c.mu.Unlock()
	if !blocked {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCtxErr = ctx.Err()
	c.connected = false
	c.disconnects++
	return nil
}

func (c *fakeClient) LogOut(ctx context.Context) error {
	if err := c.hang(ctx, "LogOut"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.authorized = false
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsAuthorized(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authErr != nil {
		return false, c.authErr
	}
	return c.authorized, nil
}

func (c *fakeClient) RequestQRLogin(context.Context) (*protocol.QRLogin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qrErr != nil {
		return nil, c.qrErr
	}
	return &protocol.QRLogin{URL: "tg://login?token=abc", Token: "abc"}, nil
}

func (c *fakeClient) RequestPhoneCode(ctx context.Context, _ string) (string, error) {
	if err := c.hang(ctx, "RequestPhoneCode"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phoneErr != nil {
		return "", c.phoneErr
	}
	return "hash-" + c.sessionID, nil
}

func (c *fakeClient) SignInWithCode(ctx context.Context, _, _, _ string) (*protocol.Identity, error) {
	if err := c.hang(ctx, "SignInWithCode"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codeErrs) > 0 {
		err := c.codeErrs[0]
		c.codeErrs = c.codeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.signInLocked(), nil
}

func (c *fakeClient) SignInWithPassword(context.Context, string) (*protocol.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.passwordErrs) > 0 {
		err := c.passwordErrs[0]
		c.passwordErrs = c.passwordErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.signInLocked(), nil
}

func (c *fakeClient) signInLocked() *protocol.Identity {
	c.signIns++
	c.authorized = true
	c.token = fmt.Sprintf("tok-%s-signed-%d", c.sessionID, c.signIns)
	identity := *c.identity
	return &identity
}

func (c *fakeClient) CurrentIdentity(context.Context) (*protocol.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		return nil, protocol.ErrUnauthorized
	}
	identity := *c.identity
	return &identity, nil
}

func (c *fakeClient) SendMessage(_ context.Context, _ int64, _ string, _ *int64) (*protocol.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return &protocol.SentMessage{ID: 77, Date: time.Unix(1700000000, 0).UTC()}, nil
}

func (c *fakeClient) Messages() <-chan protocol.InboundMessage { return c.messages }

func (c *fakeClient) SessionString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

type fakeFactory struct {
	mu         sync.Mutex
	clients    []*fakeClient
	validToken map[string]bool
	configure  func(c *fakeClient)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{validToken: make(map[string]bool)}
}

func (f *fakeFactory) New(sessionID, sessionString string) (protocol.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient(sessionID, sessionString)
	c.authorized = sessionString != "" && f.validToken[sessionString]
	if f.configure != nil {
		f.configure(c)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

type outgoingRecord struct {
	sessionID string
	chatID    int64
	text      string
}

type fakeRelay struct {
	mu       sync.Mutex
	started  map[string]int
	stopped  map[string]int
	forgot   map[string]int
	outgoing []outgoingRecord
	events   []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		started: make(map[string]int),
		stopped: make(map[string]int),
		forgot:  make(map[string]int),
	}
}

func (r *fakeRelay) Start(sessionID string, _ int64, _ protocol.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[sessionID]++
	return true
}

func (r *fakeRelay) Stop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped[sessionID]++
}

func (r *fakeRelay) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot[sessionID]++
}

func (r *fakeRelay) RecordOutgoing(_ context.Context, sess *domain.Session, chatID int64, text string, _ *int64, _ *domain.SentMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outgoing = append(r.outgoing, outgoingRecord{sessionID: sess.SessionID, chatID: chatID, text: text})
}

func (r *fakeRelay) Emit(_ context.Context, sessionID string, _ int64, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sessionID+":"+eventType)
}

func (r *fakeRelay) startCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[sessionID]
}

func (r *fakeRelay) emitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	store    *memStore
	registry *registry.Registry
	factory  *fakeFactory
	relay    *fakeRelay
	mgr      *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		registry: registry.New(),
		factory:  newFakeFactory(),
		relay:    newFakeRelay(),
	}
	h.mgr = NewManager(h.store, h.registry, h.factory, h.relay, Config{
		UpstreamTimeout: time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) setUpstreamTimeout(d time.Duration) {
	h.mgr.cfg.UpstreamTimeout = d
}

func (h *harness) liveClient(t *testing.T, sessionID string) *fakeClient {
	t.Helper()
	client, ok := h.registry.Get(sessionID)
	if !ok {
		t.Fatalf("expected live client for %s", sessionID)
	}
	return client.(*fakeClient)
}
