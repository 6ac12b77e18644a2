// Package relay implements the event-channel WebSocket protocol against
// the real-time pub/sub relay.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType discriminates every frame exchanged with the relay. The
// set is closed; unknown values are logged and ignored.
type MessageType string

const (
	MessageTypeConnectionInit MessageType = "connection_init"
	MessageTypeConnectionAck  MessageType = "connection_ack"
	MessageTypeKeepAlive      MessageType = "ka"

	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypePublish     MessageType = "publish"
	MessageTypeUnsubscribe MessageType = "unsubscribe"

	MessageTypeSubscribeSuccess   MessageType = "subscribe_success"
	MessageTypePublishSuccess     MessageType = "publish_success"
	MessageTypeUnsubscribeSuccess MessageType = "unsubscribe_success"

	MessageTypeData MessageType = "data"

	MessageTypeSubscribeError   MessageType = "subscribe_error"
	MessageTypePublishError     MessageType = "publish_error"
	MessageTypeUnsubscribeError MessageType = "unsubscribe_error"
	MessageTypeBroadcastError   MessageType = "broadcast_error"
)

// IsError reports whether the type carries a relay error payload.
func (t MessageType) IsError() bool {
	switch t {
	case MessageTypeSubscribeError, MessageTypePublishError,
		MessageTypeUnsubscribeError, MessageTypeBroadcastError:
		return true
	}
	return false
}

// Message is the single wire frame shape. Which fields are populated
// depends on Type.
type Message struct {
	Type                MessageType       `json:"type"`
	ID                  string            `json:"id,omitempty"`
	Channel             string            `json:"channel,omitempty"`
	Events              []string          `json:"events,omitempty"`
	Event               json.RawMessage   `json:"event,omitempty"`
	Authorization       map[string]string `json:"authorization,omitempty"`
	ConnectionTimeoutMs int64             `json:"connectionTimeoutMs,omitempty"`
	Errors              []ErrorDetail     `json:"errors,omitempty"`
}

// ErrorDetail is one relay-supplied error entry on a *_error frame.
type ErrorDetail struct {
	ErrorType string `json:"errorType,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (e ErrorDetail) String() string {
	if e.ErrorType == "" {
		return e.Message
	}
	return e.ErrorType + ": " + e.Message
}

// OperationError carries the relay's rejection of a single operation.
type OperationError struct {
	Kind   MessageType
	ID     string
	Errors []ErrorDetail
}

func (e *OperationError) Error() string {
	details := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		details = append(details, d.String())
	}
	return fmt.Sprintf("relay rejected %s %s: %s", e.Kind, e.ID, strings.Join(details, "; "))
}

// State is the connection lifecycle state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// subscribeBody is the signed payload for subscribe operations.
type subscribeBody struct {
	Channel string `json:"channel"`
}

// publishBody is the signed payload for publish operations.
type publishBody struct {
	Channel string   `json:"channel"`
	Events  []string `json:"events"`
}
