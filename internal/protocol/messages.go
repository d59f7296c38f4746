package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies the realtime wire payload variants exchanged with the
// upstream model service.
type EventType string

const (
	// Client intents.
	TypeSessionCreate          EventType = "session.create"
	TypeConversationItemCreate EventType = "conversation.item.create"
	TypeResponseCreate         EventType = "response.create"

	// Server events.
	TypeSessionCreated     EventType = "session.created"
	TypeResponseTextDelta  EventType = "response.output_text.delta"
	TypeResponseAudioDelta EventType = "response.audio.delta"
	TypeResponseCompleted  EventType = "response.completed"
	TypeError              EventType = "error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

// Envelope is the minimal decode used to pick the concrete variant.
type Envelope struct {
	Type EventType `json:"type"`
}

// SessionInfo is the session payload carried by session.create and
// session.created.
type SessionInfo struct {
	ID         string   `json:"id,omitempty"`
	Model      string   `json:"model,omitempty"`
	Voice      string   `json:"voice,omitempty"`
	Modalities []string `json:"modalities,omitempty"`
}

// SessionCreate asks the upstream to negotiate a session with the given
// model, voice and modalities.
type SessionCreate struct {
	Type    EventType   `json:"type"`
	Session SessionInfo `json:"session"`
}

// ContentPart is one typed piece of a conversation item: text or input
// audio (base64 PCM on the wire).
type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

const (
	ContentText       = "input_text"
	ContentInputAudio = "input_audio"
)

// ConversationItem is a single user turn. Items are immutable once sent.
type ConversationItem struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ConversationItemCreate appends one turn to the upstream-held history.
type ConversationItemCreate struct {
	Type EventType        `json:"type"`
	Item ConversationItem `json:"item"`
}

// ResponseCreate asks the upstream to start generating the assistant reply
// to the conversation as it stands.
type ResponseCreate struct {
	Type EventType `json:"type"`
}

// SessionCreated acknowledges session negotiation; its payload becomes the
// current session entity.
type SessionCreated struct {
	Type    EventType   `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session SessionInfo `json:"session"`
}

// ResponseTextDelta carries one incremental piece of assistant text.
type ResponseTextDelta struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
	Delta      string    `json:"delta"`
}

// ResponseAudioDelta carries one incremental piece of assistant audio as
// base64-encoded PCM.
type ResponseAudioDelta struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
	Delta      string    `json:"delta"`
}

// ResponseCompleted is the terminal event of one response stream.
type ResponseCompleted struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
}

// ErrorDetail describes an upstream error event payload.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent is sent by the upstream on any protocol or server fault.
type ErrorEvent struct {
	Type  EventType   `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ParseServerEvent decodes one upstream frame into its concrete variant.
// Unknown types yield ErrUnsupportedType so callers can skip frames the
// upstream added after this vocabulary was written.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionCreated:
		var msg SessionCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Session.ID == "" {
			return nil, errors.New("session.created without session id")
		}
		return msg, nil
	case TypeResponseTextDelta:
		var msg ResponseTextDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseAudioDelta:
		var msg ResponseAudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Delta == "" {
			return nil, errors.New("response.audio.delta without payload")
		}
		return msg, nil
	case TypeResponseCompleted:
		var msg ResponseCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NewSessionCreate builds the handshake intent.
func NewSessionCreate(model, voice string, modalities []string) SessionCreate {
	return SessionCreate{
		Type: TypeSessionCreate,
		Session: SessionInfo{
			Model:      model,
			Voice:      voice,
			Modalities: modalities,
		},
	}
}

// NewTextItem builds a user turn with a single text content part.
func NewTextItem(text string) ConversationItem {
	return ConversationItem{
		Role:    "user",
		Content: []ContentPart{{Type: ContentText, Text: text}},
	}
}

// NewAudioItem builds a user turn with a single input-audio content part.
// The payload is the wire (base64) representation.
func NewAudioItem(audioBase64 string) ConversationItem {
	return ConversationItem{
		Role:    "user",
		Content: []ContentPart{{Type: ContentInputAudio, Audio: audioBase64}},
	}
}
