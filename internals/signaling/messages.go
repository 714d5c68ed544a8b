package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	MessageTypeWelcome            MessageType = "welcome"
	MessageTypeJoinRoom           MessageType = "join-room"
	MessageTypeLeaveRoom          MessageType = "leave-room"
	MessageTypeExistingMembers    MessageType = "existing-members"
	MessageTypeMemberJoined       MessageType = "member-joined"
	MessageTypeMemberLeft         MessageType = "member-left"
	MessageTypeParticipantsUpdate MessageType = "participants-update"
	MessageTypeOffer              MessageType = "offer"
	MessageTypeAnswer             MessageType = "answer"
	MessageTypeCandidate          MessageType = "candidate"
	MessageTypeChat               MessageType = "chat-message"
	MessageTypeMediaState         MessageType = "media-state"
	MessageTypeError              MessageType = "error"
)

// Message is the envelope of every frame on the signaling websocket. From is
// always stamped by the relay; To addresses a single connection for
// peer-to-peer payloads.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

type Welcome struct {
	ID string `json:"id"`
}

type JoinRoom struct {
	Room        string `json:"room"`
	DisplayName string `json:"displayName"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type Member struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

type ExistingMembers struct {
	Room    string   `json:"room"`
	Members []Member `json:"members"`
}

type MemberJoined struct {
	Room        string `json:"room"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type MemberLeft struct {
	Room string `json:"room"`
	ID   string `json:"id"`
}

type ParticipantsUpdate struct {
	Room         string   `json:"room"`
	Participants []Member `json:"participants"`
}

// SessionPayload carries an offer or an answer. DisplayName lets the callee
// label a link it did not know about yet.
type SessionPayload struct {
	Description webrtc.SessionDescription `json:"description"`
	DisplayName string                    `json:"displayName,omitempty"`
	Restart     bool                      `json:"restart,omitempty"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ChatMessage is relayed unchanged apart from the id, which the relay assigns.
type ChatMessage struct {
	Room    string          `json:"room"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type MediaState struct {
	Room         string `json:"room"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewMessage marshals data into a fresh envelope.
func NewMessage(t MessageType, data interface{}) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals a message payload. Some browser clients double-encode
// data as a JSON string, which is unwrapped as well.
func Decode[T any](data json.RawMessage, out *T) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return nil
}
