// Package presence derives the set of online users from sentinel chat messages.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrMalformedRoster is returned when a roster message does not carry a JSON array of names.
var ErrMalformedRoster = errors.New("malformed roster")

// Kind identifies the presence meaning of a message.
type Kind int

const (
	// None marks an ordinary chat message.
	None Kind = iota
	Join
	Leave
	Roster
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case None:
		return "NONE"
	case Join:
		return "JOIN"
	case Leave:
		return "LEAVE"
	case Roster:
		return "ROSTER"
	default:
		return "UNKNOWN"
	}
}

// Event is the presence reading of one message.
type Event struct {
	Kind    Kind
	User    string
	Members []string
}

// Classify is the only place that interprets presence sentinels.
// It has no side effects.
func Classify(msg protocol.ChatMessage) (Event, error) {
	switch {
	case msg.Content == protocol.ContentJoined:
		return Event{Kind: Join, User: msg.Sender}, nil
	case msg.Content == protocol.ContentLeft:
		return Event{Kind: Leave, User: msg.Sender}, nil
	case msg.Sender == protocol.SystemSender && strings.HasPrefix(msg.Content, protocol.RosterPrefix):
		var members []string
		raw := strings.TrimPrefix(msg.Content, protocol.RosterPrefix)
		if err := json.Unmarshal([]byte(raw), &members); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedRoster, err)
		}
		return Event{Kind: Roster, Members: lo.Uniq(lo.Compact(members))}, nil
	default:
		return Event{Kind: None}, nil
	}
}

// RosterMessage builds the system message that announces the full member list.
func RosterMessage(members []string) (protocol.ChatMessage, error) {
	if members == nil {
		members = []string{}
	}
	data, err := json.Marshal(members)
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("failed to encode roster: %w", err)
	}
	return protocol.NewChatMessage(protocol.SystemSender, protocol.RosterPrefix+string(data)), nil
}
