// Package relay forwards protocol events of connected sessions to the archive and the webhook sink.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/registry"
	"github.com/ashureev/chatlink/internal/store"
)

const (
	defaultDeliverTimeout = 30 * time.Second
	closeTimeout          = 5 * time.Second
)

// Relay runs one consumer per connected session. Each consumer drains the client's
// inbound channel, so slow archive or webhook I/O never stalls the protocol client.
type Relay struct {
	archive        store.Archive
	sink           Sink
	registry       *registry.Registry
	broadcaster    *Broadcaster
	deliverTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool
	wg        sync.WaitGroup
}

type consumer struct {
	client  protocol.Client
	agentID int64
	cancel  context.CancelFunc
}

// Config holds optional relay settings.
type Config struct {
	DeliverTimeout time.Duration
	Broadcaster    *Broadcaster
	Logger         *slog.Logger
}

// New creates a relay. sink may be nil, in which case webhook delivery is skipped.
func New(archive store.Archive, sink Sink, reg *registry.Registry, cfg Config) *Relay {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	return &Relay{
		archive:        archive,
		sink:           sink,
		registry:       reg,
		broadcaster:    cfg.Broadcaster,
		deliverTimeout: cfg.DeliverTimeout,
		logger:         cfg.Logger,
		now:            time.Now,
		consumers:      make(map[string]*consumer),
	}
}

// Start subscribes to client's inbound messages. Calling Start again with the same client is a
// no-op; a different client replaces the previous consumer. Reports whether a consumer started.
func (r *Relay) Start(sessionID string, agentID int64, client protocol.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if existing, ok := r.consumers[sessionID]; ok {
		if existing.client == client {
			return false
		}
		existing.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{client: client, agentID: agentID, cancel: cancel}
	r.consumers[sessionID] = c

	r.wg.Add(1)
	go r.consume(ctx, sessionID, c)

	r.logger.Info("Event relay attached", "session_id", sessionID, "agent_id", agentID)
	return true
}

// Stop ends the consumer for sessionID, if any.
func (r *Relay) Stop(sessionID string) {
	r.mu.Lock()
	c, ok := r.consumers[sessionID]
	if ok {
		delete(r.consumers, sessionID)
	}
	r.mu.Unlock()

	if ok {
		c.cancel()
		r.logger.Info("Event relay detached", "session_id", sessionID)
	}
}

// Forget stops the consumer and ends every live subscription of a deleted session.
func (r *Relay) Forget(sessionID string) {
	r.Stop(sessionID)
	if r.broadcaster != nil {
		r.broadcaster.CloseSession(sessionID)
	}
}

// attached reports whether a consumer is running for sessionID.
func (r *Relay) attached(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.consumers[sessionID]
	return ok
}

func (r *Relay) consume(ctx context.Context, sessionID string, c *consumer) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if r.consumers[sessionID] == c {
			delete(r.consumers, sessionID)
		}
		r.mu.Unlock()
	}()

	messages := c.client.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-messages:
			if !ok {
				r.logger.Info("Inbound stream closed", "session_id", sessionID)
				return
			}
			// Registry removal is the authoritative unsubscribe signal.
			if !r.registry.Is(sessionID, c.client) {
				r.logger.Debug("Discarding message for detached session", "session_id", sessionID, "message_id", in.ID)
				continue
			}
			r.handleInbound(sessionID, c.agentID, in)
		}
	}
}

func (r *Relay) handleInbound(sessionID string, agentID int64, in protocol.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), r.deliverTimeout)
	defer cancel()

	msg := Normalize(in)
	r.archiveMessage(ctx, sessionID, agentID, &msg, domain.EventNewMessage)

	payload := &Payload{Event: domain.EventNewMessage, SessionID: sessionID, Message: &msg}
	r.deliver(ctx, agentID, payload)
	r.publish(sessionID, payload)
}

// RecordOutgoing archives a message sent through the public send operation.
// It runs synchronously and never fails the send.
func (r *Relay) RecordOutgoing(ctx context.Context, sess *domain.Session, chatID int64, text string, replyTo *int64, sent *domain.SentMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deliverTimeout)
	defer cancel()

	from := domain.Sender{Phone: sess.Phone}
	if sess.UserID != nil {
		from.ID = *sess.UserID
	}
	msg := domain.Message{
		ID:        sent.MessageID,
		From:      from,
		Chat:      domain.Chat{ID: chatID, Type: domain.ChatTypeFor(chatID)},
		Text:      text,
		Date:      sent.SentAt,
		ReplyToID: replyTo,
		Outgoing:  true,
	}
	r.archiveMessage(ctx, sess.SessionID, sess.AgentID, &msg, domain.EventMessageSent)
	r.publish(sess.SessionID, &Payload{Event: domain.EventMessageSent, SessionID: sess.SessionID, Message: &msg})
}

// Emit records a lifecycle event and forwards it to the sink.
func (r *Relay) Emit(ctx context.Context, sessionID string, agentID int64, eventType string, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deliverTimeout)
	defer cancel()

	r.saveEvent(ctx, &domain.Event{
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      eventType,
		Metadata:  metadata,
		CreatedAt: r.now(),
	})

	payload := &Payload{Event: eventType, SessionID: sessionID, Metadata: metadata}
	r.deliver(ctx, agentID, payload)
	r.publish(sessionID, payload)
}

func (r *Relay) archiveMessage(ctx context.Context, sessionID string, agentID int64, msg *domain.Message, eventType string) {
	if r.archive == nil {
		return
	}
	if err := r.archive.SaveMessage(ctx, sessionID, agentID, msg); err != nil {
		r.logger.Error("Failed to archive message", "session_id", sessionID, "message_id", msg.ID, "error", err)
	}
	r.saveEvent(ctx, &domain.Event{
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      eventType,
		Metadata: map[string]any{
			"message_id":  msg.ID,
			"chat_id":     msg.Chat.ID,
			"is_outgoing": msg.Outgoing,
		},
		CreatedAt: r.now(),
	})
}

func (r *Relay) saveEvent(ctx context.Context, event *domain.Event) {
	if r.archive == nil {
		return
	}
	if err := r.archive.SaveEvent(ctx, event); err != nil {
		r.logger.Error("Failed to record event", "session_id", event.SessionID, "event", event.Type, "error", err)
	}
}

func (r *Relay) deliver(ctx context.Context, agentID int64, payload *Payload) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Webhook sink panicked", "session_id", payload.SessionID, "event", payload.Event, "panic", p)
		}
	}()
	if err := r.sink.Deliver(ctx, agentID, payload); err != nil {
		r.logger.Error("Failed to deliver webhook",
			"session_id", payload.SessionID,
			"agent_id", agentID,
			"event", payload.Event,
			"error", err)
		return
	}
	r.logger.Debug("Webhook delivered", "session_id", payload.SessionID, "agent_id", agentID, "event", payload.Event)
}

func (r *Relay) publish(sessionID string, payload *Payload) {
	if r.broadcaster != nil {
		r.broadcaster.Publish(sessionID, payload)
	}
}

// Close stops every consumer and waits for them to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	for id, c := range r.consumers {
		c.cancel()
		delete(r.consumers, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("Event relay stopped")
	case <-time.After(closeTimeout):
		r.logger.Warn("Event relay shutdown timeout")
	}
}

// Normalize converts an inbound protocol message into the common message shape.
func Normalize(in protocol.InboundMessage) domain.Message {
	chatType := domain.ChatTypeGroup
	if in.Private {
		chatType = domain.ChatTypePrivate
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return domain.Message{
		ID: in.ID,
		From: domain.Sender{
			ID:        in.Sender.UserID,
			FirstName: in.Sender.FirstName,
			LastName:  in.Sender.LastName,
			Username:  in.Sender.Username,
			Phone:     in.Sender.Phone,
		},
		Chat:      domain.Chat{ID: in.ChatID, Type: chatType},
		Text:      in.Text,
		Date:      date,
		ReplyToID: in.ReplyToID,
		Outgoing:  in.Outgoing,
	}
}
