package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatlink/internal/protocol"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const floodWaitPrefix = "FLOOD_WAIT_"

// mapError translates a gateway RPC status into the protocol error vocabulary.
// The gateway puts the upstream RPC error name in the status message.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	reason := strings.ToUpper(strings.TrimSpace(st.Message()))

	switch st.Code() {
	case codes.FailedPrecondition:
		if reason == "SESSION_PASSWORD_NEEDED" {
			return protocol.ErrPasswordNeeded
		}
	case codes.InvalidArgument:
		switch reason {
		case "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY":
			return protocol.ErrInvalidCode
		case "PHONE_CODE_EXPIRED":
			return protocol.ErrCodeExpired
		case "PASSWORD_HASH_INVALID":
			return protocol.ErrInvalidPassword
		case "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED", "PHONE_NUMBER_UNOCCUPIED":
			return protocol.ErrInvalidPhone
		}
	case codes.ResourceExhausted:
		if strings.HasPrefix(reason, floodWaitPrefix) {
			if n, convErr := strconv.Atoi(strings.TrimPrefix(reason, floodWaitPrefix)); convErr == nil {
				return &protocol.FloodWaitError{Seconds: n}
			}
		}
	case codes.Unauthenticated:
		return protocol.ErrUnauthorized
	}
	return fmt.Errorf("gateway %s: %w", st.Code(), err)
}

func int64Field(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// timeField accepts unix seconds or an RFC 3339 string.
func timeField(m map[string]any, key string) time.Time {
	switch v := m[key].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

func identityFrom(m map[string]any) *protocol.Identity {
	if m == nil {
		return nil
	}
	id, ok := int64Field(m, "id")
	if !ok {
		return nil
	}
	return &protocol.Identity{
		UserID:    id,
		Phone:     stringField(m, "phone"),
		FirstName: stringField(m, "first_name"),
		LastName:  stringField(m, "last_name"),
		Username:  stringField(m, "username"),
	}
}

func messageFrom(m map[string]any) (protocol.InboundMessage, bool) {
	id, ok := int64Field(m, "id")
	if !ok {
		return protocol.InboundMessage{}, false
	}
	chatID, _ := int64Field(m, "chat_id")

	msg := protocol.InboundMessage{
		ID:       id,
		ChatID:   chatID,
		Private:  boolField(m, "is_private"),
		Text:     stringField(m, "text"),
		Date:     timeField(m, "date"),
		Outgoing: boolField(m, "out"),
	}
	if sender, ok := m["sender"].(map[string]any); ok {
		if ident := identityFrom(sender); ident != nil {
			msg.Sender = *ident
		}
	}
	if replyTo, ok := int64Field(m, "reply_to_msg_id"); ok && replyTo != 0 {
		msg.ReplyToID = &replyTo
	}
	return msg, true
}
