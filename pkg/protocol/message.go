// Package protocol defines the chat payload exchanged with the backend and the
// destinations it travels on.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Real-time channel endpoints.
const (
	// EndpointPath is the WebSocket path the STOMP session is opened on.
	EndpointPath = "/ws"
	// TopicPublic is the single shared topic every client subscribes to.
	TopicPublic = "/topic/public"
	// DestinationAddUser announces a newly connected user.
	DestinationAddUser = "/app/chat.addUser"
	// DestinationSendMessage carries ordinary chat messages.
	DestinationSendMessage = "/app/chat.sendMessage"
)

// Presence sentinels carried in ordinary message bodies.
const (
	ContentJoined = "joined!"
	ContentLeft   = "left!"
	SystemSender  = "System"
	RosterPrefix  = "onlineUsers:"
)

// TimestampLayout is the server-side timestamp format, local time without zone.
const TimestampLayout = "2006-01-02T15:04:05"

var validate = validator.New()

// ChatMessage represents a chat message.
type ChatMessage struct {
	Sender    string `json:"sender" validate:"required"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewChatMessage builds a message authored by sender.
func NewChatMessage(sender, content string) ChatMessage {
	return ChatMessage{Sender: sender, Content: content}
}

// Validate reports whether the message satisfies the payload contract.
func (m ChatMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid chat message: %w", err)
	}
	return nil
}

// Encode encodes the message into its JSON wire form
func (m ChatMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON frame body into the message.
// A body without a sender is rejected.
func (m *ChatMessage) Decode(data []byte) error {
	var decoded ChatMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := decoded.Validate(); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	*m = decoded
	return nil
}

// DecodeHistory decodes the history endpoint's JSON array, oldest first.
func DecodeHistory(data []byte) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("failed to decode history entry %d: %w", i, err)
		}
	}
	return messages, nil
}

// String returns a log-friendly representation.
func (m ChatMessage) String() string {
	if m.Timestamp == "" {
		return fmt.Sprintf("[%s]: %s", m.Sender, m.Content)
	}
	return fmt.Sprintf("%s [%s]: %s", m.Timestamp, m.Sender, m.Content)
}
