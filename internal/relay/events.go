package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Wire event names.
const (
	EventJoinRoom    = "join-room"
	EventInit        = "init"
	EventChatHistory = "chat-history"
	EventAuthFailed  = "auth-failed"
	EventNotAllowed  = "not-allowed"
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventUpdate      = "update"
	EventCursor      = "cursor"
	EventChat        = "chat"
)

const (
	presenceFieldID       = "id"
	presenceFieldUsername = "username"
)

// Event is one outbound message addressed to a single connection.
type Event struct {
	Name string
	Data any
}

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EncodeEvent renders an Event as a wire frame. Byte payloads become base64 strings.
func EncodeEvent(event Event) ([]byte, error) {
	return json.Marshal(Envelope{Event: event.Name, Data: event.Data})
}

// JoinRequest asks to join the room of a project. Both the current key names
// and the legacy pid/ssid keys are accepted.
type JoinRequest struct {
	ProjectID  string `json:"projectId"`
	Credential string `json:"credential"`
}

// ChatMessage is a relay-stamped chat line.
type ChatMessage struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// UserNotice announces a member joining or leaving.
type UserNotice struct {
	Username string `json:"username"`
	ID       string `json:"id"`
}

// Presence is the free-form cursor state of one connection.
type Presence map[string]any

func (p Presence) clone() Presence {
	copied := make(Presence, len(p)+2)
	for key, value := range p {
		copied[key] = value
	}
	return copied
}

// InboundFrame is a decoded client frame.
type InboundFrame struct {
	Event string
	Data  gjson.Result
}

// DecodeFrame peeks the event name and payload out of a raw client frame.
func DecodeFrame(frame []byte) (InboundFrame, error) {
	if !gjson.ValidBytes(frame) {
		return InboundFrame{}, fmt.Errorf("%w: frame is not valid json", ErrProtocol)
	}
	name := strings.TrimSpace(gjson.GetBytes(frame, "event").String())
	if name == "" {
		return InboundFrame{}, fmt.Errorf("%w: frame has no event", ErrProtocol)
	}
	return InboundFrame{Event: name, Data: gjson.GetBytes(frame, "data")}, nil
}

func parseJoinRequest(data gjson.Result) (JoinRequest, error) {
	if !data.IsObject() {
		return JoinRequest{}, fmt.Errorf("%w: join payload must be an object", ErrProtocol)
	}
	return JoinRequest{
		ProjectID:  firstString(data, "projectId", "pid"),
		Credential: firstString(data, "credential", "ssid"),
	}, nil
}

func parseUpdate(data gjson.Result) ([]byte, error) {
	if data.Type != gjson.String {
		return nil, fmt.Errorf("%w: update payload must be a base64 string", ErrProtocol)
	}
	blob, err := base64.StdEncoding.DecodeString(data.String())
	if err != nil {
		return nil, fmt.Errorf("%w: update payload is not base64", ErrProtocol)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrProtocol)
	}
	return blob, nil
}

func parsePresence(data gjson.Result) (Presence, error) {
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: cursor payload must be an object", ErrProtocol)
	}
	presence := Presence{}
	if err := json.Unmarshal([]byte(data.Raw), &presence); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return presence, nil
}

func parseChat(data gjson.Result) (string, error) {
	if data.Type != gjson.String {
		return "", fmt.Errorf("%w: chat payload must be a string", ErrProtocol)
	}
	return data.String(), nil
}

func firstString(data gjson.Result, keys ...string) string {
	for _, key := range keys {
		value := data.Get(key)
		if value.Type == gjson.String || value.Type == gjson.Number {
			if trimmed := strings.TrimSpace(value.String()); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
