package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies one collaboration event variant on the wire.
type Kind string

const (
	KindJoin         Kind = "join"
	KindLeave        Kind = "leave"
	KindHeartbeat    Kind = "heartbeat"
	KindCursor       Kind = "cursor"
	KindStroke       Kind = "stroke"
	KindSticky       Kind = "sticky"
	KindStickyUpdate Kind = "sticky-update"
	KindText         Kind = "text"
	KindTextUpdate   Kind = "text-update"
	KindImage        Kind = "image"
	KindMove         Kind = "move"
	KindErase        Kind = "erase"
	KindVersion      Kind = "version"
)

var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Payload is the sealed set of element payload variants. Consumers dispatch
// with a type switch so a new kind is a compile-visible extension point
// rather than a string branch.
type Payload interface {
	Kind() Kind
}

// StrokePayload carries one batch of freehand points. Partial batches share a
// StrokeID until a final (Partial=false) batch closes the stroke.
type StrokePayload struct {
	StrokeID string       `json:"strokeId"`
	Points   [][2]float64 `json:"points"`
	Color    string       `json:"color,omitempty"`
	Width    float64      `json:"width,omitempty"`
	Alpha    *float64     `json:"alpha,omitempty"`
	Tool     string       `json:"tool,omitempty"`
	Partial  bool         `json:"partial,omitempty"`
}

type StickyPayload struct {
	ID      string  `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content,omitempty"`
}

// StickyUpdatePayload applies field-level changes; nil fields are untouched.
type StickyUpdatePayload struct {
	ID      string  `json:"id"`
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

type TextPayload struct {
	ID    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Value string  `json:"value,omitempty"`
}

type TextUpdatePayload struct {
	ID    string  `json:"id"`
	Value *string `json:"value,omitempty"`
}

// ImagePayload references binary image data as a data URI plus bounds.
type ImagePayload struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Src    string  `json:"src"`
	Name   string  `json:"name,omitempty"`
}

type MovePayload struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// ErasePayload removes a vector element by ID when set, otherwise clears the
// raster region centered at (X, Y) with the given radius.
type ErasePayload struct {
	ID     string  `json:"id,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Radius float64 `json:"radius,omitempty"`
}

func (StrokePayload) Kind() Kind       { return KindStroke }
func (StickyPayload) Kind() Kind       { return KindSticky }
func (StickyUpdatePayload) Kind() Kind { return KindStickyUpdate }
func (TextPayload) Kind() Kind         { return KindText }
func (TextUpdatePayload) Kind() Kind   { return KindTextUpdate }
func (ImagePayload) Kind() Kind        { return KindImage }
func (MovePayload) Kind() Kind         { return KindMove }
func (ErasePayload) Kind() Kind        { return KindErase }

// Meta travels alongside an element payload on the wire.
type Meta struct {
	Kind Kind `json:"kind"`
}

// Envelope is the durable unit of the element stream: the shape appended to
// the log, replayed to late joiners, and fanned out on the elements topic.
// The payload stays raw so storage and fan-out never re-encode it; Decode
// produces the typed variant.
type Envelope struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	By        string          `json:"by,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Meta      Meta            `json:"meta"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a raw element payload of the given kind. Seq and
// Timestamp are stamped by the router at publish time.
func NewEnvelope(kind Kind, payload json.RawMessage, by string) *Envelope {
	return &Envelope{
		Type:    "element",
		By:      by,
		Meta:    Meta{Kind: kind},
		Payload: payload,
	}
}

// Decode parses the envelope payload into its typed variant.
func (e *Envelope) Decode() (Payload, error) {
	return DecodePayload(e.Meta.Kind, e.Payload)
}

// DecodePayload parses raw JSON into the payload variant for kind and
// validates the fields apply semantics depend on.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindStroke:
		p = &StrokePayload{}
	case KindSticky:
		p = &StickyPayload{}
	case KindStickyUpdate:
		p = &StickyUpdatePayload{}
	case KindText:
		p = &TextPayload{}
	case KindTextUpdate:
		p = &TextUpdatePayload{}
	case KindImage:
		p = &ImagePayload{}
	case KindMove:
		p = &MovePayload{}
	case KindErase:
		p = &ErasePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func validate(p Payload) error {
	switch v := p.(type) {
	case *StrokePayload:
		if v.StrokeID == "" {
			return fmt.Errorf("%w: stroke missing strokeId", ErrInvalidPayload)
		}
	case *StickyPayload:
		if v.ID == "" {
			return fmt.Errorf("%w: sticky missing id", ErrInvalidPayload)
		}
	case *StickyUpdatePayload:
		if v.ID == "" {
			return fmt.Errorf("%w: sticky-update missing id", ErrInvalidPayload)
		}
	case *TextPayload:
		if v.ID == "" {
			return fmt.Errorf("%w: text missing id", ErrInvalidPayload)
		}
	case *TextUpdatePayload:
		if v.ID == "" {
			return fmt.Errorf("%w: text-update missing id", ErrInvalidPayload)
		}
	case *ImagePayload:
		if v.ID == "" || v.Src == "" {
			return fmt.Errorf("%w: image missing id or src", ErrInvalidPayload)
		}
	case *MovePayload:
		if v.ID == "" {
			return fmt.Errorf("%w: move missing id", ErrInvalidPayload)
		}
	case *ErasePayload:
		if v.ID == "" && v.Radius <= 0 {
			return fmt.Errorf("%w: erase needs an id or a positive radius", ErrInvalidPayload)
		}
	}
	return nil
}

// IsElementKind reports whether kind belongs on the elements topic.
func IsElementKind(kind Kind) bool {
	switch kind {
	case KindStroke, KindSticky, KindStickyUpdate, KindText, KindTextUpdate,
		KindImage, KindMove, KindErase:
		return true
	}
	return false
}

// Participant is one roster entry as published on the participants topic.
type Participant struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// ParticipantsEvent is the full roster snapshot for a board. Clients diff it
// against their previous roster to derive join/leave notifications.
type ParticipantsEvent struct {
	Type  string        `json:"type"`
	Items []Participant `json:"items"`
}

func NewParticipantsEvent(items []Participant) *ParticipantsEvent {
	if items == nil {
		items = []Participant{}
	}
	return &ParticipantsEvent{Type: "participants", Items: items}
}

// CursorEvent is ephemeral: broadcast on the cursors topic, never logged.
type CursorEvent struct {
	Type      string  `json:"type"`
	UserID    int64   `json:"userId"`
	Username  string  `json:"username"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// CursorPayload is the client->server cursor message body.
type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// VersionEvent is a lightweight checkpoint marker with no canvas payload.
type VersionEvent struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	By          string `json:"by,omitempty"`
}

// VersionPayload is the client->server version message body.
type VersionPayload struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}
