package protocol

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"send","destination":"/app/board/7/join","body":{}}`))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	assert.Equal(t, f.Type, FrameSend)
	assert.Equal(t, f.Destination, "/app/board/7/join")
}

func TestParseFrameRejects(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"shout","destination":"/app/board/7/join"}`,
		`{"type":"send"}`,
	}
	for _, raw := range cases {
		if _, err := ParseFrame([]byte(raw)); err == nil {
			t.Fatalf("ParseFrame(%s) should fail", raw)
		}
	}
}

func TestAppDestinationRoundTrip(t *testing.T) {
	for _, op := range []string{OpJoin, OpLeave, OpHeartbeat, OpCursor, OpVersion, OpElement} {
		dest := AppDestination(42, op)
		boardID, parsedOp, err := ParseAppDestination(dest)
		if err != nil {
			t.Fatalf("ParseAppDestination(%s) failed: %v", dest, err)
		}
		assert.Equal(t, boardID, int64(42))
		assert.Equal(t, parsedOp, op)
	}
}

func TestParseAppDestinationRejects(t *testing.T) {
	cases := []string{
		"/topic/board.42.elements",
		"/app/board/42",
		"/app/board/42/",
		"/app/board/abc/join",
		"/app/board/42/shout",
	}
	for _, dest := range cases {
		_, _, err := ParseAppDestination(dest)
		if !errors.Is(err, ErrMalformedDestination) {
			t.Fatalf("ParseAppDestination(%s) = %v, want ErrMalformedDestination", dest, err)
		}
	}
}

func TestTopicRoundTrip(t *testing.T) {
	for _, channel := range []string{TopicParticipants, TopicCursors, TopicElements, TopicVersions} {
		dest := Topic(9, channel)
		boardID, parsed, err := ParseTopic(dest)
		if err != nil {
			t.Fatalf("ParseTopic(%s) failed: %v", dest, err)
		}
		assert.Equal(t, boardID, int64(9))
		assert.Equal(t, parsed, channel)
	}
}

func TestParseTopicRejects(t *testing.T) {
	cases := []string{
		"/app/board/9/join",
		"/topic/board.9",
		"/topic/board.x.elements",
		"/topic/board.9.gossip",
	}
	for _, dest := range cases {
		_, _, err := ParseTopic(dest)
		if !errors.Is(err, ErrMalformedDestination) {
			t.Fatalf("ParseTopic(%s) = %v, want ErrMalformedDestination", dest, err)
		}
	}
}

func TestMessage(t *testing.T) {
	f, err := Message(Topic(3, TopicElements), map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	assert.Equal(t, f.Type, FrameMessage)
	assert.Equal(t, f.Destination, "/topic/board.3.elements")
	assert.Equal(t, string(f.Body), `{"hello":"world"}`)
}
