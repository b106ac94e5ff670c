package broadcast

import "time"

// Topics carried by the broadcaster.
const (
	TopicAPIStatus    = "api-status"
	TopicStatusChange = "status-change"
	TopicJobStatus    = "job-status"
)

// Message types discriminating Envelope payloads on the wire.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeAPIStatus    = "api-status"
	TypeStatusChange = "status-change"
	TypeJobStatus    = "job-status"
	TypeError        = "error"
)

// Envelope is the wire shape every subscriber receives. Type
// discriminates the payload carried in Data; Topic names the stream the
// message was published on. Timestamps serialize as RFC 3339.
type Envelope struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func newEnvelope(msgType, topic string, data interface{}) Envelope {
	return Envelope{
		Type:      msgType,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SubscribeAck echoes the accepted subscription back to its owner.
type SubscribeAck struct {
	SubscriberID string   `json:"subscriber_id"`
	Topics       []string `json:"topics"`
}

// UnsubscribeNotice is the final frame of a subscription the service
// ended.
type UnsubscribeNotice struct {
	SubscriberID string `json:"subscriber_id"`
}

// ErrorData tells subscribers why their stream is ending.
type ErrorData struct {
	Message string `json:"message"`
}

// TransitionData is the status-change payload for one breaker
// transition.
type TransitionData struct {
	Provider string `json:"provider"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
}
