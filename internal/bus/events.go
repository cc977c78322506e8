// Package bus defines the chat events exchanged between channels and the intake loop.
package bus

import (
	"strings"
	"time"
)

// Kind classifies the latest message seen from a correspondent.
type Kind int

const (
	KindNone Kind = iota
	KindSticker
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindSticker:
		return "sticker"
	case KindText:
		return "text"
	default:
		return "none"
	}
}

// Ref points at a sticker image. Exactly one of URI or Handle is set.
// A Handle is only meaningful inside the chat session that produced it
// (for example a browser blob: locator) and must be resolved by that channel.
type Ref struct {
	URI    string `json:"uri,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// ParseRef classifies a raw image locator. blob: and in-session ids become handles.
func ParseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return Ref{URI: raw}
	}
	return Ref{Handle: raw}
}

// IsEphemeral reports whether the ref must be resolved through the chat session.
func (r Ref) IsEphemeral() bool {
	return r.URI == "" && r.Handle != ""
}

// IsZero reports whether the ref points at nothing.
func (r Ref) IsZero() bool {
	return r.URI == "" && r.Handle == ""
}

func (r Ref) String() string {
	if r.URI != "" {
		return r.URI
	}
	return r.Handle
}

// IncomingEvent is the latest classified message from one correspondent.
type IncomingEvent struct {
	Correspondent string    `json:"correspondent"`
	Kind          Kind      `json:"kind"`
	Ref           Ref       `json:"ref,omitempty"`
	Text          string    `json:"text,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sticker builds a sticker event.
func Sticker(correspondent string, ref Ref) IncomingEvent {
	return IncomingEvent{Correspondent: correspondent, Kind: KindSticker, Ref: ref, Timestamp: time.Now()}
}

// Text builds a text event.
func Text(correspondent, content string) IncomingEvent {
	return IncomingEvent{Correspondent: correspondent, Kind: KindText, Text: content, Timestamp: time.Now()}
}

// None builds an event with no classifiable content.
func None(correspondent string) IncomingEvent {
	return IncomingEvent{Correspondent: correspondent, Kind: KindNone, Timestamp: time.Now()}
}
