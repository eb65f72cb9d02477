package websocket

import (
	"encoding/json"
	"time"

	"tripsync-server/internal/crdt"
	"tripsync-server/internal/domain"
)

type MessageType string

const (
	// Client -> server.
	TypeDocCommand MessageType = "doc_command"
	TypeAwareness  MessageType = "awareness"
	TypeComment    MessageType = "comment"
	TypeUndo       MessageType = "undo"
	TypeRedo       MessageType = "redo"

	// Server -> client.
	TypeInit          MessageType = "init"
	TypeDocOp         MessageType = "doc_op"
	TypePresenceLeave MessageType = "presence_leave"
	TypeUndoState     MessageType = "undo_state"
	TypeError         MessageType = "error"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DocCommandPayload is a client's mutation intent. The session applies it
// to the trip's replica, which turns it into a broadcastable op.
type DocCommandPayload struct {
	Action  string            `json:"action"` // insert|set_fields|remove|reorder|set_day_fields
	DayKey  string            `json:"day_key,omitempty"`
	Index   int               `json:"index,omitempty"`
	From    int               `json:"from,omitempty"`
	To      int               `json:"to,omitempty"`
	BlockID string            `json:"block_id,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

const (
	ActionInsert       = "insert"
	ActionSetFields    = "set_fields"
	ActionRemove       = "remove"
	ActionReorder      = "reorder"
	ActionSetDayFields = "set_day_fields"
)

// DocOpPayload relays one applied op to session peers.
type DocOpPayload struct {
	Op     crdt.Op `json:"op"`
	UserID string  `json:"user_id"`
}

// AwarenessPayload carries one peer's ephemeral presence. Clients send
// cursor and editing block; the server stamps the client and user ids
// before relaying.
type AwarenessPayload struct {
	ClientID       string                 `json:"client_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Cursor         *domain.CursorPosition `json:"cursor"`
	EditingBlockID *string                `json:"editing_block_id"`
}

// CommentPayload serves both directions: clients send action + block id
// (+ content for add); the server fills the stored comment or resolved
// flag on the broadcast.
type CommentPayload struct {
	Action   string          `json:"action"` // add|toggle_resolved
	BlockID  string          `json:"block_id"`
	Content  string          `json:"content,omitempty"`
	Comment  *domain.Comment `json:"comment,omitempty"`
	Resolved *bool           `json:"resolved,omitempty"`
}

const (
	CommentActionAdd            = "add"
	CommentActionToggleResolved = "toggle_resolved"
)

// InitPayload is the first frame a newly attached client receives: the
// converged document, all comment threads, and who else is here.
type InitPayload struct {
	Days     []domain.Day           `json:"days"`
	Comments []domain.CommentThread `json:"comments"`
	Peers    []AwarenessPayload     `json:"peers"`
}

// PresenceLeavePayload tells peers a connection is gone and its presence
// state should be dropped.
type PresenceLeavePayload struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
}

// UndoStatePayload reports the issuing client's stack availability after
// each of its own mutations.
type UndoStatePayload struct {
	CanUndo bool `json:"can_undo"`
	CanRedo bool `json:"can_redo"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
