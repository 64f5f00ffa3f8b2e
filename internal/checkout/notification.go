package checkout

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventTypeSessionCompleted is the only notification kind the ledger
// acts on; everything else is acknowledged and ignored.
const EventTypeSessionCompleted = "checkout.session.completed"

// Notification is a decoded provider event: exactly one of Completed
// or Unknown is set.
type Notification struct {
	Completed *SessionCompleted
	Unknown   *UnknownEvent
}

// SessionCompleted carries the fields the confirmation handler trusts
// after signature verification.
type SessionCompleted struct {
	SessionID string
	UserID    string
	Amount    int64
	RawObject json.RawMessage
}

// UnknownEvent carries the type of a notification kind the service
// does not handle.
type UnknownEvent struct {
	Type string
}

type notificationEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type sessionObject struct {
	ID          string            `json:"id"`
	AmountTotal *int64            `json:"amount_total"`
	Metadata    map[string]string `json:"metadata"`
}

// DecodeNotification parses a verified payload into the tagged
// Notification variant. A known type with missing or malformed fields
// is an error; an unfamiliar type decodes to Unknown so new provider
// event kinds pass through without breaking delivery.
func DecodeNotification(payload []byte) (Notification, error) {
	var envelope notificationEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if strings.TrimSpace(envelope.Type) == "" {
		return Notification{}, fmt.Errorf("%w: missing event type", ErrMalformedNotification)
	}
	if envelope.Type != EventTypeSessionCompleted {
		return Notification{Unknown: &UnknownEvent{Type: envelope.Type}}, nil
	}
	var object sessionObject
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
		return Notification{}, fmt.Errorf("%w: undecodable session object", ErrMalformedNotification)
	}
	if strings.TrimSpace(object.ID) == "" {
		return Notification{}, fmt.Errorf("%w: missing session id", ErrMalformedNotification)
	}
	if object.AmountTotal == nil || *object.AmountTotal <= 0 {
		return Notification{}, fmt.Errorf("%w: missing or non-positive amount", ErrMalformedNotification)
	}
	userID := strings.TrimSpace(object.Metadata["userId"])
	if userID == "" {
		return Notification{}, fmt.Errorf("%w: missing userId metadata", ErrMalformedNotification)
	}
	return Notification{Completed: &SessionCompleted{
		SessionID: object.ID,
		UserID:    userID,
		Amount:    *object.AmountTotal,
		RawObject: envelope.Data.Object,
	}}, nil
}
