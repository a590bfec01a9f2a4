// Package voicegateway provides a voice gateway session: the control channel
// of a voice connection, speaking the JSON opcode protocol that negotiates
// the UDP transport and keeps the connection alive.
package voicegateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vedrecide/acord/discord"
	"github.com/vedrecide/acord/utils/json"
	"github.com/vedrecide/acord/utils/wsutil"
)

// Version is the voice gateway protocol version this package speaks.
const Version = "4"

// ErrNoEndpoint is returned when dialing without an endpoint in the state.
var ErrNoEndpoint = errors.New("no endpoint was received")

// DisconnectCloseReason is the close reason sent when the caller tears the
// connection down on purpose.
var DisconnectCloseReason = wsutil.CloseReason{Code: 4000, Reason: "disconnecting"}

// ConnectionError is returned when the websocket fails to connect to the
// voice endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (err *ConnectionError) Error() string {
	return "failed to connect to " + err.Endpoint + ": " + err.Err.Error()
}

// Unwrap returns the underlying dial error.
func (err *ConnectionError) Unwrap() error { return err.Err }

// State contains the parameters needed to authenticate with the voice
// server. It is constant for the lifetime of a Gateway.
type State struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	UserID    discord.UserID

	SessionID string
	Token     string
	Endpoint  string
}

// Gateway is a single voice gateway connection. Its lifecycle is staged so a
// controller can track progress: DialCtx, WaitHello, IdentifyCtx or
// ResumeCtx, WaitSessionReady, then StartEventLoop. voice.Session drives
// these stages and owns the reconnect policy.
type Gateway struct {
	state State // constant

	mutex sync.RWMutex
	ready ReadyEvent

	WS     *wsutil.Websocket
	events <-chan wsutil.Event

	Timeout time.Duration

	EventLoop wsutil.PacemakerLoop

	// OnSpeaking is called from the event loop whenever a speaking update
	// for another user arrives. It may be nil.
	OnSpeaking func(SpeakingEvent)

	// ErrorLog will be called when an error occurs (defaults to
	// wsutil.WSError).
	ErrorLog func(err error)
	// AfterClose is called after each close. Error can be non-nil, as this
	// is called even when the Gateway is gracefully closed. It's used mainly
	// for reconnections or any type of connection interruptions (defaults to
	// noop).
	AfterClose func(err error)

	waitGroup sync.WaitGroup
}

func New(state State) *Gateway {
	return &Gateway{
		state:      state,
		Timeout:    wsutil.WSTimeout,
		ErrorLog:   wsutil.WSError,
		AfterClose: func(error) {},
	}
}

// State returns a copy of the connection parameters.
func (c *Gateway) State() State {
	return c.state
}

// Ready returns the event that the server answered the handshake with.
func (c *Gateway) Ready() ReadyEvent {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.ready
}

// DialCtx dials the voice endpoint. It only establishes the websocket; the
// caller follows up with WaitHello and IdentifyCtx or ResumeCtx.
func (c *Gateway) DialCtx(ctx context.Context) error {
	if c.state.Endpoint == "" {
		return ErrNoEndpoint
	}

	// The endpoint is reported with a stale :80 port, while the gateway
	// actually listens on TLS.
	endpoint := "wss://" + strings.TrimSuffix(c.state.Endpoint, ":80") + "/?v=" + Version

	wsutil.WSDebug("Connecting to voice endpoint ", endpoint)

	if c.WS == nil {
		c.WS = wsutil.New(endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if err := c.WS.Dial(ctx); err != nil {
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}

	c.events = c.WS.Listen()

	return nil
}

// WaitHello waits for the server's HELLO, which arrives right after the
// websocket opens and carries the heartbeat interval.
func (c *Gateway) WaitHello(ctx context.Context) (*HelloEvent, error) {
	var hello *HelloEvent

	select {
	case e, ok := <-c.events:
		if !ok {
			return nil, errors.New("unexpected close while waiting for HELLO")
		}
		if _, err := wsutil.AssertEvent(e, HelloOP, &hello); err != nil {
			return nil, errors.Wrap(err, "error at HELLO")
		}
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "failed to wait for HELLO event")
	}

	return hello, nil
}

// WaitSessionReady waits for READY or RESUMED and reports which one arrived.
// On RESUMED the returned ready information is the one cached from the
// session's previous READY.
func (c *Gateway) WaitSessionReady(ctx context.Context) (ReadyEvent, bool, error) {
	var resumed bool

	err := wsutil.WaitForEvent(ctx, c, c.events, func(op *wsutil.OP) bool {
		resumed = op.Code == ResumedOP
		return op.Code == ReadyOP || op.Code == ResumedOP
	})
	if err != nil {
		return ReadyEvent{}, false, errors.Wrap(err, "failed to wait for READY or RESUMED")
	}

	return c.Ready(), resumed, nil
}

// StartEventLoop starts the merged heartbeat and receive loop in a
// background goroutine. The exit callback is invoked exactly once when the
// loop ends; a non-nil error means the connection broke on its own, and the
// caller decides whether to reconnect.
func (c *Gateway) StartEventLoop(heartrate time.Duration, exit func(error)) {
	c.waitGroup.Add(1)

	c.EventLoop.RunAsync(heartrate, c.events, c, func(err error) {
		c.waitGroup.Done()
		wsutil.WSDebug("Voice event loop stopped.")

		exit(err)
	})
}

// Close closes the connection gracefully.
func (c *Gateway) Close() error {
	return c.CloseWithReason(wsutil.GracefulCloseReason)
}

// CloseWithReason stops the event loop, closes the websocket with the given
// close code and reason, and waits for the loop goroutine to exit. Closing
// an already-closed gateway is a no-op.
func (c *Gateway) CloseWithReason(r wsutil.CloseReason) (err error) {
	wsutil.WSDebug("Trying to close with reason ", r.String())

	// Trigger the close callback on exit.
	defer func() { c.AfterClose(err) }()

	if !c.EventLoop.Stopped() {
		wsutil.WSDebug("Stopping pacemaker...")
		c.EventLoop.Stop()
	}

	if c.WS == nil {
		return nil
	}

	wsutil.WSDebug("Closing the websocket...")

	err = c.WS.CloseWithReason(r)
	if errors.Is(err, wsutil.ErrWebsocketClosed) {
		err = nil
	}

	wsutil.WSDebug("Waiting for the event loop to exit.")
	c.waitGroup.Wait()

	return err
}

// SessionDescriptionCtx sends a protocol selection and waits for the
// resulting session description, which carries the secret key. The waiter is
// registered before the send so the answer cannot be missed.
func (c *Gateway) SessionDescriptionCtx(
	ctx context.Context, sp SelectProtocol) (*SessionDescriptionEvent, error) {

	// Add the handler first.
	ch, cancel := c.EventLoop.Extras.Add(func(op *wsutil.OP) bool {
		return op.Code == SessionDescriptionOP
	})
	defer cancel()

	if err := c.SelectProtocolCtx(ctx, sp); err != nil {
		return nil, err
	}

	var sesdesc *SessionDescriptionEvent

	select {
	case e, ok := <-ch:
		if !ok {
			return nil, errors.New("unexpected close waiting for session description")
		}
		if err := e.UnmarshalData(&sesdesc); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal session description")
		}
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "failed to wait for session description")
	}

	return sesdesc, nil
}

// Send sends a payload to the gateway with the default timeout.
func (c *Gateway) Send(code OPCode, v interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	return c.SendCtx(ctx, code, v)
}

// SendCtx sends a payload to the gateway.
func (c *Gateway) SendCtx(ctx context.Context, code OPCode, v interface{}) error {
	if c.WS == nil {
		return errors.New("tried to send data to a connection without a Websocket")
	}

	op := wsutil.OP{
		Code: code,
	}

	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to encode v")
		}

		op.Data = b
	}

	b, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	// WS is already thread-safe.
	return c.WS.SendCtx(ctx, b)
}
