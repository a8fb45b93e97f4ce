// Package channel maintains one streaming websocket connection scoped to a
// single generation id. The channel surfaces connection failure as lifecycle
// events instead of errors; deciding what a dead socket means is the session
// controller's job, not the transport's.
package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State reports the connection lifecycle phase of one channel.
type State int32

const (
	// StateConnecting means the dial is still in flight.
	StateConnecting State = iota
	// StateOpen means the socket is established and delivering events.
	StateOpen
	// StateClosed means no further events will ever arrive.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType discriminates channel events.
type EventType string

const (
	// EventOpened signals the socket is established.
	EventOpened EventType = "opened"
	// EventToken carries one unit of generated output to append.
	EventToken EventType = "token"
	// EventProgress carries an authoritative replacement token count.
	EventProgress EventType = "progress"
	// EventStatus carries a display-only phase label.
	EventStatus EventType = "status"
	// EventDone signals terminal success with optional metadata.
	EventDone EventType = "done"
	// EventError signals terminal failure.
	EventError EventType = "error"
	// EventClosed signals the socket is gone; no events follow it.
	EventClosed EventType = "closed"
)

// Event is one typed message delivered in server order.
type Event struct {
	Type       EventType
	Token      string
	Tokens     int
	Phase      string
	Language   string
	Filename   string
	TokenCount int
	Message    string
}

// frame is the wire shape of one websocket text message.
type frame struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	Tokens     int    `json:"tokens"`
	Status     string `json:"status"`
	Language   string `json:"language"`
	Filename   string `json:"filename"`
	TokenCount int    `json:"token_count"`
	Message    string `json:"message"`
}

// Dialer abstracts websocket dialing for tests.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

const (
	defaultEventBuffer = 64
	defaultDialTimeout = 10 * time.Second
)

// Factory opens channels addressed by generation id.
type Factory struct {
	dialer      Dialer
	streamURL   func(id string) string
	dialTimeout time.Duration
}

// FactoryOption configures Factory construction.
type FactoryOption func(*Factory)

// WithDialer overrides the websocket dialer (used by tests).
func WithDialer(dialer Dialer) FactoryOption {
	return func(factory *Factory) {
		if dialer != nil {
			factory.dialer = dialer
		}
	}
}

// WithDialTimeout bounds the connection attempt.
func WithDialTimeout(timeout time.Duration) FactoryOption {
	return func(factory *Factory) {
		if timeout > 0 {
			factory.dialTimeout = timeout
		}
	}
}

// NewFactory builds a channel factory. streamURL maps a generation id to its
// websocket address.
func NewFactory(streamURL func(id string) string, options ...FactoryOption) *Factory {
	factory := &Factory{
		dialer:      websocket.DefaultDialer,
		streamURL:   streamURL,
		dialTimeout: defaultDialTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(factory)
	}
	return factory
}

// Open begins a streaming connection for one generation id. It never fails:
// dial errors surface as a closed lifecycle event on the returned channel.
func (f *Factory) Open(sessionID string) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		events: make(chan Event, defaultEventBuffer),
		cancel: cancel,
	}
	ch.state.Store(int32(StateConnecting))

	go ch.run(ctx, f.dialer, f.streamURL(sessionID), f.dialTimeout)
	return ch
}

// Channel owns zero or one live websocket connection.
type Channel struct {
	events    chan Event
	state     atomic.Int32
	cancel    context.CancelFunc
	closeOnce sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn
}

// Events returns the ordered event stream. The channel is closed once no
// further events are possible.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State reports the current connection lifecycle phase.
func (c *Channel) State() State {
	if c == nil {
		return StateClosed
	}
	return State(c.state.Load())
}

// Close tears the connection down. Idempotent; safe after the channel
// already closed itself.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
	})
}

func (c *Channel) run(ctx context.Context, dialer Dialer, url string, dialTimeout time.Duration) {
	defer close(c.events)
	defer c.state.Store(int32(StateClosed))

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, resp, err := dialer.DialContext(dialCtx, url, nil)
	cancelDial()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.emit(ctx, Event{Type: EventClosed, Message: err.Error()})
		return
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if ctx.Err() != nil {
		// Close raced the dial; the connection was never usable.
		_ = conn.Close()
		c.emit(ctx, Event{Type: EventClosed})
		return
	}

	c.state.Store(int32(StateOpen))
	c.emit(ctx, Event{Type: EventOpened})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			message := ""
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
				message = err.Error()
			}
			c.emit(ctx, Event{Type: EventClosed, Message: message})
			return
		}

		event, ok := decodeFrame(payload)
		if !ok {
			continue
		}
		c.emit(ctx, event)
	}
}

// emit forwards one event unless the channel has been closed locally, in
// which case the event is dropped rather than blocking the read loop.
func (c *Channel) emit(ctx context.Context, event Event) {
	select {
	case c.events <- event:
	case <-ctx.Done():
	}
}

func decodeFrame(payload []byte) (Event, bool) {
	var decoded frame
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Event{}, false
	}

	switch EventType(decoded.Type) {
	case EventToken:
		return Event{Type: EventToken, Token: decoded.Data}, true
	case EventProgress:
		return Event{Type: EventProgress, Tokens: decoded.Tokens}, true
	case EventStatus:
		return Event{Type: EventStatus, Phase: decoded.Status}, true
	case EventDone:
		return Event{
			Type:       EventDone,
			Language:   decoded.Language,
			Filename:   decoded.Filename,
			TokenCount: decoded.TokenCount,
		}, true
	case EventError:
		return Event{Type: EventError, Message: decoded.Message}, true
	default:
		return Event{}, false
	}
}
