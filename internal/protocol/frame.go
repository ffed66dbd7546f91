package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frame is the unit exchanged over the /ws endpoint. Clients send "send",
// "subscribe" and "unsubscribe" frames; the server delivers "message" frames.
type Frame struct {
	Type        FrameType       `json:"type"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

type FrameType string

const (
	FrameSend        FrameType = "send"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameMessage     FrameType = "message"
)

// Board operations addressed as /app/board/{id}/{op}.
const (
	OpJoin      = "join"
	OpLeave     = "leave"
	OpHeartbeat = "heartbeat"
	OpCursor    = "cursor"
	OpVersion   = "version"
	OpElement   = "element"
)

// Topic channels addressed as /topic/board.{id}.{channel}.
const (
	TopicParticipants = "participants"
	TopicCursors      = "cursors"
	TopicElements     = "elements"
	TopicVersions     = "versions"
)

var ErrMalformedDestination = errors.New("malformed destination")

const (
	appPrefix   = "/app/board/"
	topicPrefix = "/topic/board."
)

// ParseFrame decodes one wire frame and checks it is structurally sound.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case FrameSend, FrameSubscribe, FrameUnsubscribe, FrameMessage:
	default:
		return nil, fmt.Errorf("malformed frame: unknown type %q", f.Type)
	}
	if f.Destination == "" {
		return nil, errors.New("malformed frame: missing destination")
	}
	return &f, nil
}

// AppDestination builds the client->server destination for a board operation.
func AppDestination(boardID int64, op string) string {
	return fmt.Sprintf("%s%d/%s", appPrefix, boardID, op)
}

// ParseAppDestination splits /app/board/{id}/{op} into its parts.
func ParseAppDestination(dest string) (boardID int64, op string, err error) {
	rest, ok := strings.CutPrefix(dest, appPrefix)
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedDestination, dest)
	}
	idStr, op, ok := strings.Cut(rest, "/")
	if !ok || op == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedDestination, dest)
	}
	boardID, err = strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad board id in %q", ErrMalformedDestination, dest)
	}
	switch op {
	case OpJoin, OpLeave, OpHeartbeat, OpCursor, OpVersion, OpElement:
		return boardID, op, nil
	}
	return 0, "", fmt.Errorf("%w: unknown op %q", ErrMalformedDestination, op)
}

// Topic builds the server->client destination for a board channel.
func Topic(boardID int64, channel string) string {
	return fmt.Sprintf("%s%d.%s", topicPrefix, boardID, channel)
}

// ParseTopic splits /topic/board.{id}.{channel} into its parts.
func ParseTopic(dest string) (boardID int64, channel string, err error) {
	rest, ok := strings.CutPrefix(dest, topicPrefix)
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedDestination, dest)
	}
	idStr, channel, ok := strings.Cut(rest, ".")
	if !ok || channel == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedDestination, dest)
	}
	boardID, err = strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad board id in %q", ErrMalformedDestination, dest)
	}
	switch channel {
	case TopicParticipants, TopicCursors, TopicElements, TopicVersions:
		return boardID, channel, nil
	}
	return 0, "", fmt.Errorf("%w: unknown channel %q", ErrMalformedDestination, channel)
}

// Message wraps a payload into a server->client frame for a topic.
func Message(destination string, body any) (*Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameMessage, Destination: destination, Body: raw}, nil
}
