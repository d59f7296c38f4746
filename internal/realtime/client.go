package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/protocol"
	"github.com/lightwell/jamie-voice/internal/reliability"
)

// State is the lifecycle phase of one realtime conversation session.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAwaitingSession  State = "awaiting_session"
	StateSessionReady     State = "session_ready"
	StateSending          State = "sending"
	StateAwaitingResponse State = "awaiting_response"
	StateClosed           State = "closed"
)

var (
	ErrClosed         = errors.New("realtime: session closed")
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrAlreadyStarted = errors.New("realtime: connect already attempted")
	// ErrResponseActive rejects a second response request while one is
	// outstanding.
	ErrResponseActive = errors.New("realtime: a response is already in progress")
)

// ProtocolError is an error event surfaced by the upstream service.
type ProtocolError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime: upstream error %s: %s", e.Code, e.Message)
}

// Session identifies one negotiated realtime conversation.
type Session struct {
	ID         string
	Model      string
	Voice      string
	Modalities []string
	CreatedAt  time.Time
}

// ResponseStatus tracks the terminal condition of a response stream.
type ResponseStatus string

const (
	ResponseStreaming ResponseStatus = "streaming"
	ResponseCompleted ResponseStatus = "completed"
	ResponseErrored   ResponseStatus = "errored"
)

// ResponseStream is the assistant's in-progress reply to one request. Text
// accumulates append-only; audio chunks keep their wire (base64) form and
// arrival order. Partial data survives errors.
type ResponseStream struct {
	RequestID   string
	Text        string
	AudioChunks []string
	Status      ResponseStatus
}

func (r *ResponseStream) clone() *ResponseStream {
	if r == nil {
		return nil
	}
	c := *r
	c.AudioChunks = append([]string(nil), r.AudioChunks...)
	return &c
}

// EventType identifies events surfaced to the caller.
type EventType string

const (
	EventSessionReady      EventType = "session_ready"
	EventTextDelta         EventType = "text_delta"
	EventAudioDelta        EventType = "audio_delta"
	EventResponseCompleted EventType = "response_completed"
	EventRetrying          EventType = "retrying"
	EventClosed            EventType = "closed"
)

// Event is one entry of the ordered stream handed to the caller. Audio
// deltas carry the wire (base64) payload; decoding happens at the playback
// boundary.
type Event struct {
	Type      EventType
	RequestID string
	Delta     string
	Session   *Session
	Err       error
}

// Conn is the transport subset the client depends on. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the upstream transport.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// DefaultDialer opens a gorilla websocket connection. The relay shares it.
func DefaultDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds one client's connection settings.
type Config struct {
	URL              string
	APIKey           string
	Model            string
	Voice            string
	Modalities       []string
	HandshakeTimeout time.Duration
	Retry            reliability.RetryPolicy
	Dialer           Dialer
	Logger           *zap.Logger
}

// Client drives the lifecycle of one realtime conversation session. A closed
// client is never reused; reconnecting means constructing a new one.
type Client struct {
	cfg    Config
	dialer Dialer
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	sess     *Session
	conn     Conn
	pending  []protocol.ConversationItem
	stream   *ResponseStream
	lastItem *protocol.ConversationItem
	attempts int
	started  bool

	writeMu sync.Mutex

	evMu     sync.Mutex
	evClosed bool

	events chan Event
	ready  chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// New builds a client in the disconnected state.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: missing upstream URL")
	}
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{"text", "audio"}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = reliability.RetryPolicy{MaxAttempts: 2, Delay: 3 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		log:    log,
		state:  StateDisconnected,
		events: make(chan Event, 256),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// State reports the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the negotiated session, or nil before session_ready.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	s := *c.sess
	s.Modalities = append([]string(nil), c.sess.Modalities...)
	return &s
}

// Response returns a snapshot of the current or most recent response stream.
// Partial text and audio accumulated before a failure stay available here.
func (c *Client) Response() *ResponseStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.clone()
}

// Events is the ordered event stream. It is closed when the session ends.
// The channel is buffered; a caller that stops draining it loses events
// once the buffer fills, since delivery never blocks the read loop. The
// accumulated turn remains available through Response either way.
func (c *Client) Events() <-chan Event { return c.events }

// Connect opens the upstream transport, negotiates the session and blocks
// until session_ready, the handshake timeout, or ctx cancellation. Failure
// to reach session_ready is fatal: the client transitions to closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	// Connections made through the relay carry no key; the relay injects
	// the credential on its own upstream dial.
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, err := c.dial(ctx, header)
	if err != nil {
		c.fail(fmt.Errorf("realtime: dial upstream: %w", err))
		return fmt.Errorf("realtime: dial upstream: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateAwaitingSession
	c.mu.Unlock()

	go c.readLoop()

	create := protocol.NewSessionCreate(c.cfg.Model, c.cfg.Voice, c.cfg.Modalities)
	if err := c.writeJSON(create); err != nil {
		c.fail(fmt.Errorf("realtime: send session.create: %w", err))
		return err
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		err := errors.New("realtime: handshake timed out before session_ready")
		c.fail(err)
		return err
	case <-ctx.Done():
		c.fail(ctx.Err())
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// dial retries transport establishment within the configured retry budget.
func (c *Client) dial(ctx context.Context, header http.Header) (Conn, error) {
	conn, err := c.dialer(ctx, c.cfg.URL, header)
	if err == nil {
		return conn, nil
	}
	for attempt := 1; ; attempt++ {
		delay, ok := c.cfg.Retry.NextDelay(attempt)
		if !ok {
			return nil, err
		}
		c.log.Warn("upstream dial failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		case <-time.After(delay):
		}
		conn, err = c.dialer(ctx, c.cfg.URL, header)
		if err == nil {
			return conn, nil
		}
	}
}

// SendTurn forwards one user conversation turn. In awaiting_session the turn
// is buffered and flushed exactly once after session_ready. While a response
// is outstanding the call fails fast with ErrResponseActive.
func (c *Client) SendTurn(_ context.Context, item protocol.ConversationItem) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
		c.mu.Unlock()
		return ErrNotConnected
	case StateConnecting, StateAwaitingSession:
		c.pending = append(c.pending, item)
		c.mu.Unlock()
		return nil
	case StateSending, StateAwaitingResponse:
		c.mu.Unlock()
		return ErrResponseActive
	}

	// session_ready
	c.state = StateSending
	c.mu.Unlock()

	if err := c.issue([]protocol.ConversationItem{item}); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// SendText is SendTurn with a single text content part.
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.SendTurn(ctx, protocol.NewTextItem(text))
}

// issue writes the item intents followed by one response.create, sequenced
// after the item writes return. The response stream is armed before the
// request goes out so no delta can arrive unaccounted.
func (c *Client) issue(items []protocol.ConversationItem) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	last := items[len(items)-1]
	c.lastItem = &last
	c.stream = &ResponseStream{RequestID: uuid.NewString(), Status: ResponseStreaming}
	c.mu.Unlock()

	for i := range items {
		if err := c.writeJSON(protocol.ConversationItemCreate{
			Type: protocol.TypeConversationItemCreate,
			Item: items[i],
		}); err != nil {
			return fmt.Errorf("realtime: send conversation item: %w", err)
		}
	}
	if err := c.writeJSON(protocol.ResponseCreate{Type: protocol.TypeResponseCreate}); err != nil {
		return fmt.Errorf("realtime: send response.create: %w", err)
	}

	c.mu.Lock()
	if c.state == StateSending {
		c.state = StateAwaitingResponse
	}
	c.mu.Unlock()
	return nil
}

// Close releases the upstream transport. Idempotent; reachable from any
// state. A closed client is never reused.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		hadLoop := c.conn != nil
		c.state = StateClosed
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			_ = conn.Close()
		}
		if !hadLoop {
			// No read loop owns the event channel; close it here.
			c.closeEvents()
		}
	})
	return nil
}

func (c *Client) closeEvents() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if !c.evClosed {
		c.evClosed = true
		close(c.events)
	}
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// fail records a fatal error, emits it and tears the session down.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.stream != nil && c.stream.Status == ResponseStreaming {
		c.stream.Status = ResponseErrored
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventClosed, Err: err})
	_ = c.Close()
}

func (c *Client) emit(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Keep the event path non-blocking; drop if the caller stopped
		// draining.
		c.log.Warn("event queue saturated, dropping event", zap.String("type", string(ev.Type)))
	}
}

func (c *Client) readLoop() {
	defer c.closeEvents()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.state == StateClosed
			c.mu.Unlock()
			if !closed {
				// Remote transport loss surfaces as a terminal event, never
				// as silence.
				c.fail(fmt.Errorf("realtime: transport closed: %w", err))
			}
			return
		}

		msg, err := protocol.ParseServerEvent(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			c.log.Warn("malformed upstream frame", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg any) {
	switch ev := msg.(type) {
	case protocol.SessionCreated:
		c.handleSessionCreated(ev)
	case protocol.ResponseTextDelta:
		c.mu.Lock()
		if c.stream == nil || c.stream.Status != ResponseStreaming {
			c.mu.Unlock()
			return
		}
		if ev.ResponseID != "" {
			c.stream.RequestID = ev.ResponseID
		}
		c.stream.Text += ev.Delta
		id := c.stream.RequestID
		c.mu.Unlock()
		c.emit(Event{Type: EventTextDelta, RequestID: id, Delta: ev.Delta})
	case protocol.ResponseAudioDelta:
		c.mu.Lock()
		if c.stream == nil || c.stream.Status != ResponseStreaming {
			c.mu.Unlock()
			return
		}
		if ev.ResponseID != "" {
			c.stream.RequestID = ev.ResponseID
		}
		c.stream.AudioChunks = append(c.stream.AudioChunks, ev.Delta)
		id := c.stream.RequestID
		c.mu.Unlock()
		c.emit(Event{Type: EventAudioDelta, RequestID: id, Delta: ev.Delta})
	case protocol.ResponseCompleted:
		c.mu.Lock()
		if c.stream != nil {
			c.stream.Status = ResponseCompleted
		}
		c.attempts = 0
		id := ""
		if c.stream != nil {
			id = c.stream.RequestID
		}
		if c.state == StateAwaitingResponse || c.state == StateSending {
			c.state = StateSessionReady
		}
		c.mu.Unlock()
		c.emit(Event{Type: EventResponseCompleted, RequestID: id})
	case protocol.ErrorEvent:
		c.handleUpstreamError(ev)
	}
}

func (c *Client) handleSessionCreated(ev protocol.SessionCreated) {
	c.mu.Lock()
	if c.state != StateAwaitingSession {
		c.mu.Unlock()
		return
	}
	c.sess = &Session{
		ID:         ev.Session.ID,
		Model:      ev.Session.Model,
		Voice:      ev.Session.Voice,
		Modalities: ev.Session.Modalities,
		CreatedAt:  time.Now().UTC(),
	}
	c.state = StateSessionReady
	queued := c.pending
	c.pending = nil
	sess := *c.sess
	if len(queued) > 0 {
		c.state = StateSending
	}
	c.mu.Unlock()

	close(c.ready)
	c.emit(Event{Type: EventSessionReady, Session: &sess})

	if len(queued) > 0 {
		// Flush turns buffered before the session existed, in order,
		// exactly once.
		if err := c.issue(queued); err != nil {
			c.fail(err)
		}
	}
}

func (c *Client) handleUpstreamError(ev protocol.ErrorEvent) {
	transient := reliability.IsTransientUpstreamError(ev.Error.Code, ev.Error.Message)
	perr := &ProtocolError{Code: ev.Error.Code, Message: ev.Error.Message, Transient: transient}

	if !transient {
		c.fail(perr)
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.lastItem == nil || (c.state != StateAwaitingResponse && c.state != StateSending) {
		// Nothing outstanding to re-issue. The sending state counts as
		// outstanding too: the error can land between the item write and
		// the state flip.
		c.mu.Unlock()
		c.fail(perr)
		return
	}
	c.attempts++
	delay, ok := c.cfg.Retry.NextDelay(c.attempts)
	if !ok {
		c.mu.Unlock()
		c.fail(fmt.Errorf("realtime: retries exhausted: %w", perr))
		return
	}
	attempt := c.attempts
	item := *c.lastItem
	c.mu.Unlock()

	c.log.Warn("transient upstream error, retrying last turn",
		zap.String("code", ev.Error.Code), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.emit(Event{Type: EventRetrying, Err: perr})

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateAwaitingResponse && c.state != StateSending {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.resend(item); err != nil {
			c.fail(err)
		}
	})
}

// resend re-issues the last outstanding turn and response request while
// keeping the partial stream contents already accumulated.
func (c *Client) resend(item protocol.ConversationItem) error {
	if err := c.writeJSON(protocol.ConversationItemCreate{
		Type: protocol.TypeConversationItemCreate,
		Item: item,
	}); err != nil {
		return fmt.Errorf("realtime: resend conversation item: %w", err)
	}
	if err := c.writeJSON(protocol.ResponseCreate{Type: protocol.TypeResponseCreate}); err != nil {
		return fmt.Errorf("realtime: resend response.create: %w", err)
	}
	return nil
}
