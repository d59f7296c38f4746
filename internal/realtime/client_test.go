package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lightwell/jamie-voice/internal/protocol"
	"github.com/lightwell/jamie-voice/internal/reliability"
)

type fakeConn struct {
	incoming  chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		writes:   make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.incoming:
		return websocket.TextMessage, raw, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed network connection")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes <- cp
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	f.incoming <- raw
}

func (f *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case raw := <-f.writes:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal write: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client write")
		return nil
	}
}

func (f *fakeConn) expectNoWrite(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case raw := <-f.writes:
		t.Fatalf("unexpected client write: %s", raw)
	case <-time.After(d):
	}
}

func sessionCreated(id string) protocol.SessionCreated {
	return protocol.SessionCreated{
		Type: protocol.TypeSessionCreated,
		Session: protocol.SessionInfo{
			ID:         id,
			Model:      "gpt-4o-realtime-preview",
			Voice:      "ember",
			Modalities: []string{"text", "audio"},
		},
	}
}

func newTestClient(t *testing.T, conn *fakeConn, retry reliability.RetryPolicy) *Client {
	t.Helper()
	c, err := New(Config{
		URL:              "wss://upstream.test/v1/realtime",
		APIKey:           "sk-test",
		Model:            "gpt-4o-realtime-preview",
		Voice:            "ember",
		HandshakeTimeout: 2 * time.Second,
		Retry:            retry,
		Dialer: func(context.Context, string, http.Header) (Conn, error) {
			return conn, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// connectReady drives the handshake to session_ready and consumes the
// session.create write plus the session_ready event.
func connectReady(t *testing.T, c *Client, conn *fakeConn, sessID string) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeSessionCreate) {
		t.Fatalf("first write type = %v, want session.create", got)
	}
	conn.push(t, sessionCreated(sessID))

	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := nextEvent(t, c)
	if ev.Type != EventSessionReady {
		t.Fatalf("first event = %v, want session_ready", ev.Type)
	}
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestConversationScenario(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{})
	defer c.Close()

	connectReady(t, c, conn, "sess_1")
	if c.State() != StateSessionReady {
		t.Fatalf("state = %v, want session_ready", c.State())
	}
	if sess := c.Session(); sess == nil || sess.ID != "sess_1" {
		t.Fatalf("session = %+v, want sess_1", sess)
	}

	if err := c.SendText(context.Background(), "Hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	item := conn.nextWrite(t)
	if item["type"] != string(protocol.TypeConversationItemCreate) {
		t.Fatalf("write type = %v, want conversation.item.create", item["type"])
	}
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeResponseCreate) {
		t.Fatalf("write type = %v, want response.create", got)
	}

	for _, delta := range []string{"Hi", " there", "!"} {
		conn.push(t, protocol.ResponseTextDelta{Type: protocol.TypeResponseTextDelta, ResponseID: "resp_1", Delta: delta})
		ev := nextEvent(t, c)
		if ev.Type != EventTextDelta || ev.Delta != delta {
			t.Fatalf("event = %+v, want text delta %q", ev, delta)
		}
	}

	conn.push(t, protocol.ResponseCompleted{Type: protocol.TypeResponseCompleted, ResponseID: "resp_1"})
	if ev := nextEvent(t, c); ev.Type != EventResponseCompleted {
		t.Fatalf("event = %+v, want response_completed", ev)
	}

	resp := c.Response()
	if resp.Text != "Hi there!" {
		t.Fatalf("accumulated text = %q, want %q", resp.Text, "Hi there!")
	}
	if resp.Status != ResponseCompleted {
		t.Fatalf("status = %v, want completed", resp.Status)
	}
	if c.State() != StateSessionReady {
		t.Fatalf("state = %v, want session_ready after completion", c.State())
	}
}

func TestTurnBufferedUntilSessionReady(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{})
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	// Wait for the handshake intent; the state machine is now awaiting the
	// session acknowledgment.
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeSessionCreate) {
		t.Fatalf("first write = %v, want session.create", got)
	}

	if err := c.SendText(context.Background(), "early turn"); err != nil {
		t.Fatalf("SendText() while awaiting session error = %v", err)
	}
	conn.expectNoWrite(t, 50*time.Millisecond)

	conn.push(t, sessionCreated("sess_buf"))
	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeConversationItemCreate) {
		t.Fatalf("flushed write = %v, want conversation.item.create", got)
	}
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeResponseCreate) {
		t.Fatalf("flushed write = %v, want response.create", got)
	}
	conn.expectNoWrite(t, 50*time.Millisecond)
}

func TestSecondResponseRejectedWhileActive(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{})
	defer c.Close()

	connectReady(t, c, conn, "sess_2")
	if err := c.SendText(context.Background(), "first"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	conn.nextWrite(t)
	conn.nextWrite(t)

	if err := c.SendText(context.Background(), "second"); !errors.Is(err, ErrResponseActive) {
		t.Fatalf("error = %v, want ErrResponseActive", err)
	}
}

func TestTransientErrorRetriesThenCloses(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{MaxAttempts: 1, Delay: 10 * time.Millisecond})
	defer c.Close()

	connectReady(t, c, conn, "sess_3")
	if err := c.SendText(context.Background(), "turn"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	conn.nextWrite(t)
	conn.nextWrite(t)

	upstreamErr := protocol.ErrorEvent{
		Type:  protocol.TypeError,
		Error: protocol.ErrorDetail{Code: "server_error", Message: "please try again"},
	}

	conn.push(t, upstreamErr)
	if ev := nextEvent(t, c); ev.Type != EventRetrying {
		t.Fatalf("event = %+v, want retrying", ev)
	}

	// The last outstanding turn is re-issued after the fixed delay.
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeConversationItemCreate) {
		t.Fatalf("retry write = %v, want conversation.item.create", got)
	}
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeResponseCreate) {
		t.Fatalf("retry write = %v, want response.create", got)
	}

	// A second transient fault exhausts the retry budget.
	conn.push(t, upstreamErr)
	if ev := nextEvent(t, c); ev.Type != EventClosed || ev.Err == nil {
		t.Fatalf("event = %+v, want closed with error", ev)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

func TestTransientErrorWhileSendingStillRetries(t *testing.T) {
	conn := newFakeConn()
	// Unbuffered writes park SendText mid-turn, between the item write
	// and the response.create write, so the error lands while the client
	// is still in the sending state.
	conn.writes = make(chan []byte)
	c := newTestClient(t, conn, reliability.RetryPolicy{MaxAttempts: 1, Delay: 10 * time.Millisecond})
	defer c.Close()

	connectReady(t, c, conn, "sess_9")

	sendDone := make(chan error, 1)
	go func() { sendDone <- c.SendText(context.Background(), "turn") }()

	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeConversationItemCreate) {
		t.Fatalf("first write = %v, want conversation.item.create", got)
	}

	conn.push(t, protocol.ErrorEvent{
		Type:  protocol.TypeError,
		Error: protocol.ErrorDetail{Code: "server_error", Message: "please try again"},
	})
	if ev := nextEvent(t, c); ev.Type != EventRetrying {
		t.Fatalf("event = %+v, want retrying", ev)
	}

	// Release the parked response.create, then the retry re-issues the
	// full turn.
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeResponseCreate) {
		t.Fatalf("second write = %v, want response.create", got)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeConversationItemCreate) {
		t.Fatalf("retry write = %v, want conversation.item.create", got)
	}
	if got := conn.nextWrite(t)["type"]; got != string(protocol.TypeResponseCreate) {
		t.Fatalf("retry write = %v, want response.create", got)
	}
	if c.State() == StateClosed {
		t.Fatalf("client closed, want session kept alive for retry")
	}
}

func TestFatalErrorClosesWithoutRetry(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond})
	defer c.Close()

	connectReady(t, c, conn, "sess_4")
	if err := c.SendText(context.Background(), "turn"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	conn.nextWrite(t)
	conn.nextWrite(t)

	conn.push(t, protocol.ErrorEvent{
		Type:  protocol.TypeError,
		Error: protocol.ErrorDetail{Code: "invalid_request_error", Message: "bad item"},
	})
	ev := nextEvent(t, c)
	if ev.Type != EventClosed {
		t.Fatalf("event = %+v, want closed", ev)
	}
	var perr *ProtocolError
	if !errors.As(ev.Err, &perr) || perr.Transient {
		t.Fatalf("err = %v, want fatal *ProtocolError", ev.Err)
	}
}

func TestTransportLossKeepsPartialResponse(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{})
	defer c.Close()

	connectReady(t, c, conn, "sess_5")
	if err := c.SendText(context.Background(), "turn"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	conn.nextWrite(t)
	conn.nextWrite(t)

	conn.push(t, protocol.ResponseTextDelta{Type: protocol.TypeResponseTextDelta, ResponseID: "resp_9", Delta: "partial "})
	conn.push(t, protocol.ResponseAudioDelta{Type: protocol.TypeResponseAudioDelta, ResponseID: "resp_9", Delta: "AQID"})
	nextEvent(t, c)
	nextEvent(t, c)

	// Upstream transport drops mid-response.
	conn.Close()

	ev := nextEvent(t, c)
	if ev.Type != EventClosed || ev.Err == nil {
		t.Fatalf("event = %+v, want closed with error, not silence", ev)
	}

	resp := c.Response()
	if resp == nil || resp.Text != "partial " || len(resp.AudioChunks) != 1 {
		t.Fatalf("partial response lost: %+v", resp)
	}
	if resp.Status != ResponseErrored {
		t.Fatalf("status = %v, want errored", resp.Status)
	}
}

func TestHandshakeTimeoutIsFatal(t *testing.T) {
	conn := newFakeConn()
	c, err := New(Config{
		URL:              "wss://upstream.test/v1/realtime",
		APIKey:           "sk-test",
		HandshakeTimeout: 30 * time.Millisecond,
		Dialer: func(context.Context, string, http.Header) (Conn, error) {
			return conn, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() should fail when session.created never arrives")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

func TestClosedClientIsNeverReused(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, reliability.RetryPolicy{})
	connectReady(t, c, conn, "sess_6")

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := c.SendText(context.Background(), "after close"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendText() after close = %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) && !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Connect() after close = %v", err)
	}

	// The event channel drains and closes.
	for range c.Events() {
	}
}

func TestDialRetriesWithinBudget(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	attempts := 0
	c, err := New(Config{
		URL:              "wss://upstream.test/v1/realtime",
		APIKey:           "sk-test",
		HandshakeTimeout: 2 * time.Second,
		Retry:            reliability.RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Millisecond},
		Dialer: func(context.Context, string, http.Header) (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return conn, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	conn.nextWrite(t)
	conn.push(t, sessionCreated("sess_7"))
	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("dial attempts = %d, want 3", attempts)
	}
}
