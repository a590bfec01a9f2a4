// Package udp handles the UDP transport of a voice connection: the discovery
// handshake that learns the client's external address, then the stream of
// voice datagrams that follows.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Dialer is the default dialer that this package uses for all its dialing.
var Dialer = net.Dialer{
	Timeout: 10 * time.Second,
}

// DiscoveryTimeout is the read deadline of a single discovery attempt. The
// probe is sent again after each timeout.
var DiscoveryTimeout = 3 * time.Second

// DiscoveryRetries is the number of discovery probes sent before giving up
// with a HandshakeTimeoutError.
var DiscoveryRetries = 3

// ErrClosed is returned if a Write or read was called on a closed connection.
var ErrClosed = errors.New("UDP connection closed")

// ReceiveBufferSize is the size of the datagram receive buffer. Voice packets
// fit comfortably under the usual 1400-byte MTU budget.
var ReceiveBufferSize = 1400

// HandshakeTimeoutError is returned when the server never answered any of the
// discovery probes in time.
type HandshakeTimeoutError struct {
	Attempts int
	Err      error // last network error, usually a read timeout
}

func (err *HandshakeTimeoutError) Error() string {
	msg := fmt.Sprintf("IP discovery timed out after %d attempts", err.Attempts)
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

// Unwrap returns the last network error.
func (err *HandshakeTimeoutError) Unwrap() error { return err.Err }

// DialFunc is the UDP dialer function type. It's the function signature for
// udp.DialConnectionCtx.
type DialFunc = func(ctx context.Context, addr string, ssrc uint32) (*Connection, error)

// Assert that this is the same.
var _ DialFunc = DialConnectionCtx

// Connection is a dialed voice UDP connection with the discovery handshake
// already done. Its Write side is safe for concurrent use; reads belong to a
// single goroutine.
type Connection struct {
	// GatewayIP and GatewayPort are the external address of this client as
	// seen by the voice server, learned during discovery.
	GatewayIP   string
	GatewayPort uint16

	mutex chan struct{} // for ctx

	context context.Context
	conn    net.Conn
	ssrc    uint32

	// frequency paces writes to real playback time when non-nil.
	frequency *rate.Limiter

	recvBuf []byte
}

// DialConnectionCtx dials the voice host and performs the IP discovery
// handshake on it. Discovery probes that go unanswered within
// DiscoveryTimeout are resent up to DiscoveryRetries times; full exhaustion
// returns a HandshakeTimeoutError.
func DialConnectionCtx(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialConnectionCustomCtx(ctx, &Dialer, addr, ssrc)
}

// DialConnectionCustomCtx dials the UDP connection with a custom dialer.
func DialConnectionCustomCtx(
	ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32) (*Connection, error) {

	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial host")
	}

	ip, port, err := discover(ctx, conn, ssrc)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Connection{
		GatewayIP:   ip,
		GatewayPort: port,
		context:     context.Background(),
		mutex:       make(chan struct{}, 1),
		ssrc:        ssrc,
		conn:        conn,
		recvBuf:     make([]byte, ReceiveBufferSize),
	}, nil
}

// discover performs the IP discovery exchange: a 74-byte probe carrying the
// SSRC, answered by the same layout carrying the null-padded external IP
// string and the port in the last two bytes.
func discover(ctx context.Context, conn net.Conn, ssrc uint32) (string, uint16, error) {
	var probe [74]byte
	binary.BigEndian.PutUint16(probe[0:2], 1)  // type: request
	binary.BigEndian.PutUint16(probe[2:4], 70) // length
	binary.BigEndian.PutUint32(probe[4:8], ssrc)

	defer conn.SetReadDeadline(time.Time{})

	var resp [74]byte
	var lastErr error

	for attempt := 0; attempt < DiscoveryRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		if _, err := conn.Write(probe[:]); err != nil {
			return "", 0, errors.Wrap(err, "failed to write discovery probe")
		}

		deadline := time.Now().Add(DiscoveryTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		n, err := conn.Read(resp[:])
		if err != nil {
			// Timeouts mean the probe or its answer got lost; try again.
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				lastErr = err
				continue
			}
			return "", 0, errors.Wrap(err, "failed to read discovery response")
		}

		if n < len(resp) {
			return "", 0, errors.New("discovery response is too short")
		}

		ipbody := resp[8:72]

		nullPos := bytes.IndexByte(ipbody, '\x00')
		if nullPos < 0 {
			return "", 0, errors.New("discovery response did not contain a null terminator")
		}

		return string(ipbody[:nullPos]), binary.LittleEndian.Uint16(resp[72:74]), nil
	}

	return "", 0, &HandshakeTimeoutError{Attempts: DiscoveryRetries, Err: lastErr}
}

// ResetFrequency installs a pacer that slows Write down to one datagram per
// frameDuration, making Write stream-compatible: copying a file into the
// connection plays at real time. A frameDuration of 0 removes the pacing, so
// writes only block on the socket.
func (c *Connection) ResetFrequency(frameDuration time.Duration) {
	c.mutex <- struct{}{}
	defer func() { <-c.mutex }()

	if frameDuration <= 0 {
		c.frequency = nil
		return
	}

	c.frequency = rate.NewLimiter(rate.Every(frameDuration), 1)
}

// UseContext lets the connection use the given context for its Write method.
// WriteCtx will override this context.
func (c *Connection) UseContext(ctx context.Context) error {
	c.mutex <- struct{}{}
	defer func() { <-c.mutex }()

	return c.useContext(ctx)
}

func (c *Connection) useContext(ctx context.Context) error {
	if c.conn == nil {
		return ErrClosed
	}

	if c.context == ctx {
		return nil
	}

	c.context = ctx

	if deadline, ok := c.context.Deadline(); ok {
		return c.conn.SetWriteDeadline(deadline)
	} else {
		return c.conn.SetWriteDeadline(time.Time{})
	}
}

// Close closes the connection. It is safe to call multiple times; closes
// after the first do nothing.
func (c *Connection) Close() error {
	c.mutex <- struct{}{}
	defer func() { <-c.mutex }()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

// Write sends a single prepared datagram into the voice UDP connection.
func (c *Connection) Write(b []byte) (int, error) {
	select {
	case c.mutex <- struct{}{}:
		defer func() { <-c.mutex }()
	case <-c.context.Done():
		return 0, c.context.Err()
	}

	if c.conn == nil {
		return 0, ErrClosed
	}

	return c.write(b)
}

// WriteCtx sends a single prepared datagram with a timeout.
func (c *Connection) WriteCtx(ctx context.Context, b []byte) (int, error) {
	select {
	case c.mutex <- struct{}{}:
		defer func() { <-c.mutex }()
	case <-c.context.Done():
		return 0, c.context.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if err := c.useContext(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to use context")
	}

	return c.write(b)
}

// write is thread-unsafe.
func (c *Connection) write(b []byte) (int, error) {
	if c.frequency != nil {
		if err := c.frequency.Wait(c.context); err != nil {
			return 0, errors.Wrap(err, "failed to wait for frequency tick")
		}
	}

	n, err := c.conn.Write(b)
	if err != nil {
		return n, errors.Wrap(err, "failed to write to UDP connection")
	}

	return n, nil
}

// ReadDatagram reads a single raw datagram. The backing buffer is reused, so
// the returned bytes are only valid until the next call. A Close from
// another goroutine unblocks a pending read.
func (c *Connection) ReadDatagram() ([]byte, error) {
	c.mutex <- struct{}{}
	conn := c.conn
	<-c.mutex

	if conn == nil {
		return nil, ErrClosed
	}

	n, err := conn.Read(c.recvBuf)
	if err != nil {
		return nil, err
	}

	return c.recvBuf[:n], nil
}
