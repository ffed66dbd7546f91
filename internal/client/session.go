// Package client is the consumer side of the collaboration protocol: a
// transport session over the /ws endpoint and a board session that folds the
// replayed history and live topics into a canvas.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collab-backend/internal/protocol"
)

// ConnectionError wraps a transport handshake or socket failure. Callers
// retry with backoff and surface a disconnected state to the UI.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Handler receives the body of one message frame for a subscribed topic.
type Handler func(body json.RawMessage)

// Subscription is one topic registration; Cancel is idempotent.
type Subscription struct {
	topic string
	id    int64
	sess  *Session
	once  sync.Once
}

// Cancel stops delivery to this subscription's handler.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.sess.unsubscribe(s.topic, s.id)
	})
}

// Session is one live connection to the collaboration endpoint.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]map[int64]Handler
	nextSub int64
	closed  bool
	done    chan struct{}
}

// Connect dials the endpoint and starts the read loop. The returned session
// is ready for Subscribe and Send. This is the only operation a client
// should await before joining a board.
func Connect(ctx context.Context, wsURL, token string) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := wsURL
	if token != "" {
		url = fmt.Sprintf("%s?token=%s", wsURL, token)
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: wsURL, Err: err}
	}

	s := &Session{
		conn: conn,
		subs: make(map[string]map[int64]Handler),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// ConnectWithRetry dials with capped exponential backoff until ctx is done.
func ConnectWithRetry(ctx context.Context, wsURL, token string, baseDelay, maxDelay time.Duration) (*Session, error) {
	delay := baseDelay
	for {
		sess, err := Connect(ctx, wsURL, token)
		if err == nil {
			return sess, nil
		}
		log.Printf("[Client] Connect failed, retrying in %s: %v", delay, err)
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{URL: wsURL, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Subscribe registers a handler for a topic and tells the server to start
// delivering it. Delivery is asynchronous on the read loop.
func (s *Session) Subscribe(topic string, handler Handler) *Subscription {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[int64]Handler)
	}
	s.subs[topic][id] = handler
	s.mu.Unlock()

	if err := s.sendFrame(&protocol.Frame{Type: protocol.FrameSubscribe, Destination: topic}); err != nil {
		log.Printf("[Client] Subscribe frame for %s failed: %v", topic, err)
	}
	return &Subscription{topic: topic, id: id, sess: s}
}

func (s *Session) unsubscribe(topic string, id int64) {
	s.mu.Lock()
	handlers := s.subs[topic]
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(s.subs, topic)
	}
	closed := s.closed
	s.mu.Unlock()

	if last && !closed {
		if err := s.sendFrame(&protocol.Frame{Type: protocol.FrameUnsubscribe, Destination: topic}); err != nil {
			log.Printf("[Client] Unsubscribe frame for %s failed: %v", topic, err)
		}
	}
}

// Send publishes a payload to a destination, fire-and-forget: there is no
// delivery acknowledgment at this layer.
func (s *Session) Send(destination string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.sendFrame(&protocol.Frame{
		Type:        protocol.FrameSend,
		Destination: destination,
		Body:        raw,
	})
}

func (s *Session) sendFrame(frame *protocol.Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop() {
	defer s.Disconnect()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			log.Printf("[Client] Dropping inbound frame: %v", err)
			continue
		}
		if frame.Type != protocol.FrameMessage {
			continue
		}

		s.mu.Lock()
		handlers := make([]Handler, 0, len(s.subs[frame.Destination]))
		for _, h := range s.subs[frame.Destination] {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()

		for _, h := range handlers {
			h(frame.Body)
		}
	}
}

// Disconnect tears down the socket and releases all subscriptions. Safe to
// call from any error path, including twice.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subs = make(map[string]map[int64]Handler)
	close(s.done)
	s.mu.Unlock()

	s.conn.Close()
}

// Done is closed when the session has disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
