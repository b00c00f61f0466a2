package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bnema/questd/internal/domain"
)

type MessageType string

// Parent-bound types.
const (
	TypeReady              MessageType = "ready"
	TypeProcessUpdate      MessageType = "process_update"
	TypeProgressUpdate     MessageType = "progress_update"
	TypeKill               MessageType = "kill"
	TypeLoggedIn           MessageType = "logged_in"
	TypeLoggedOut          MessageType = "logged_out"
	TypeLoginError         MessageType = "login_error"
	TypeBadChannel         MessageType = "bad_channel"
	TypeRoleTimeout        MessageType = "role_timeout"
	TypeRoleRequired       MessageType = "role_required"
	TypeConnectedToChannel MessageType = "connected_to_channel"
	// The misspelling is part of the wire format.
	TypeDevelopersMessage MessageType = "devlopers_message"
	TypeError             MessageType = "ERROR"
)

// Worker-bound types. TypeKill is used in both directions.
const (
	TypeStart MessageType = "start"
)

// Message is the envelope exchanged on the process channel, one JSON object per line.
//
// Session tags session-scoped messages with the attempt id the parent sent in
// start, so messages from an earlier run of the same identity can be told apart.
type Message struct {
	Type    MessageType     `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Target  string          `json:"target,omitempty"`
	Session string          `json:"session,omitempty"`
	Message string          `json:"message,omitempty"`
}

type StartData struct {
	Token   string          `json:"token"`
	QuestID string          `json:"questId"`
	Proxy   string          `json:"proxy,omitempty"`
	Method  string          `json:"method"`
	Kind    domain.TaskKind `json:"kind"`
	Current float64         `json:"current"`
	Target  float64         `json:"target"`
}

type ProgressData struct {
	Progress  float64 `json:"progress"`
	Target    float64 `json:"target"`
	Completed bool    `json:"completed"`
}

type ProcessUpdateData struct {
	Count int `json:"count"`
}

type ErrorData struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// NewMessage builds an envelope. data may be nil.
func NewMessage(kind MessageType, target domain.IdentityID, data any) (Message, error) {
	msg := Message{Type: kind, Target: string(target)}
	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// SessionScoped reports whether the message refers to a hosted session.
func (m Message) SessionScoped() bool {
	return m.Target != ""
}

// Terminal reports whether the message ends the targeted session.
func (m Message) Terminal() bool {
	switch m.Type {
	case TypeKill, TypeLoginError, TypeError, TypeLoggedOut, TypeBadChannel, TypeRoleTimeout:
		return m.SessionScoped()
	default:
		return false
	}
}

// Informational reports whether the message is a lifecycle notice that only feeds
// the session log.
func (m Message) Informational() bool {
	switch m.Type {
	case TypeLoggedIn, TypeRoleRequired, TypeConnectedToChannel, TypeDevelopersMessage:
		return true
	default:
		return false
	}
}

func (m Message) Identity() domain.IdentityID {
	return domain.IdentityID(m.Target)
}
