package realtime

import (
	"encoding/json"
	"time"

	"github.com/oriva/platform/internal/db"
)

// Frame types exchanged with clients. All frames are JSON text frames with a
// discriminating "type" field.
const (
	frameConnected           = "connected"
	frameEvent               = "event"
	frameError               = "error"
	frameSubscribed          = "subscribed"
	frameSubscribe           = "subscribe"
	frameUpdateSubscriptions = "update_subscriptions"
)

type connectedFrame struct {
	Type          string   `json:"type"`
	ConnectionID  string   `json:"connectionId"`
	Subscriptions []string `json:"subscriptions"`
}

type subscribedFrame struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// clientFrame is the union of frames a client may send.
type clientFrame struct {
	Type          string   `json:"type"`
	EventCategory string   `json:"event_category,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	AppIDs        []string `json:"appIds,omitempty"`
}

// eventFrame is the fixed envelope pushed for every matched event.
type eventFrame struct {
	Type          string          `json:"type"`
	EventID       string          `json:"event_id"`
	EventCategory string          `json:"event_category"`
	EventType     string          `json:"event_type"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func marshalConnected(c *Conn) ([]byte, error) {
	return json.Marshal(connectedFrame{
		Type:          frameConnected,
		ConnectionID:  c.ID.String(),
		Subscriptions: c.Subscriptions(),
	})
}

func marshalSubscribed(subscriptions []string) ([]byte, error) {
	return json.Marshal(subscribedFrame{
		Type:          frameSubscribed,
		Subscriptions: subscriptions,
	})
}

func marshalError(message string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: frameError, Message: message})
}

func marshalEvent(ev *db.PlatformEvent) ([]byte, error) {
	return json.Marshal(eventFrame{
		Type:          frameEvent,
		EventID:       ev.ID.String(),
		EventCategory: ev.EventCategory,
		EventType:     ev.EventType,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Timestamp:     ev.CreatedAt,
		Data:          ev.EventData,
	})
}
