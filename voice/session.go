// Package voice provides the connection controller for a real-time voice
// session: it sequences the control-channel handshake, the UDP discovery and
// the encryption negotiation, then streams encrypted audio while
// heartbeating and reconnecting on failure.
package voice

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"go.uber.org/atomic"

	"github.com/vedrecide/acord/utils/wsutil"
	"github.com/vedrecide/acord/voice/packet"
	"github.com/vedrecide/acord/voice/udp"
	"github.com/vedrecide/acord/voice/voicegateway"
)

// WSTimeout is the duration a gateway operation is allowed to take before
// erroring out. It only applies to methods that don't take a context.
var WSTimeout = 25 * time.Second

// ErrAlreadyConnected is returned when connecting a session that isn't idle.
var ErrAlreadyConnected = errors.New("voice session is already connected")

// IDSource hands out connection ids, distinguishing successive connection
// attempts. Implementations must be safe for concurrent use.
type IDSource interface {
	NextID() int64
}

type atomicIDSource struct {
	counter atomic.Int64
}

func (s *atomicIDSource) NextID() int64 {
	return s.counter.Inc()
}

// defaultIDSource is the process-wide connection id counter.
var defaultIDSource IDSource = &atomicIDSource{}

// Session is a single voice connection. It owns the control gateway, the UDP
// transport and the packet codec, and sequences them through the statuses in
// Status. All methods are safe for concurrent use except where noted.
type Session struct {
	// mut serializes connects, disconnects and the audio send path. It is
	// context-aware so blocked callers can give up.
	mut csync.Mutex

	status atomic.Int32

	id    int64
	state voicegateway.State // server info, constant per connect

	gateway  *voicegateway.Gateway
	voiceUDP *udp.Connection
	codec    *packet.Codec

	// ready is kept across reconnects so a resume can reuse the negotiated
	// transport address.
	ready voicegateway.ReadyEvent

	speaking voicegateway.SpeakingFlag
	spoken   bool // an announcement went out since (re)connect

	frameDuration time.Duration
	timeIncr      uint32

	sendBuf []byte
	recvBuf []byte

	// DialUDP is the function used for dialing up the UDP connection.
	DialUDP udp.DialFunc
	// OpenGateway is the function used to construct the control gateway.
	OpenGateway func(state voicegateway.State) *voicegateway.Gateway
	// IDSource supplies connection ids; defaults to a process-wide counter.
	IDSource IDSource

	WSTimeout    time.Duration
	WSMaxRetry   int // fresh identify attempts after a failed resume
	WSRetryDelay time.Duration

	// OnReady is called on its own goroutine once a (re)connect finishes and
	// audio can flow. It may be nil.
	OnReady func(*Session)
	// OnDisconnect is called on its own goroutine when the session is torn
	// down by a failure rather than by the caller. It may be nil.
	OnDisconnect func(*Session)

	// ErrorLog is called for errors that have no caller to return to
	// (defaults to wsutil.WSError).
	ErrorLog func(err error)
}

// NewSession creates an idle voice session. Connect gives it a server.
func NewSession() *Session {
	return &Session{
		DialUDP:      udp.DialConnectionCtx,
		OpenGateway:  voicegateway.New,
		IDSource:     defaultIDSource,
		WSTimeout:    WSTimeout,
		WSMaxRetry:   2,
		WSRetryDelay: 2 * time.Second,
		ErrorLog:     wsutil.WSError,
	}
}

// Status returns the session's current connection status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

func (s *Session) setStatus(status Status) {
	s.status.Store(int32(status))
}

// ConnectionID returns the id of the current connection attempt. It changes
// on every connect and reconnect.
func (s *Session) ConnectionID() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()

	return s.id
}

// Connect authenticates against the given voice server with the default
// timeout. Refer to ConnectCtx.
func (s *Session) Connect(state voicegateway.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.WSTimeout)
	defer cancel()

	return s.ConnectCtx(ctx, state)
}

// ConnectCtx authenticates against the given voice server and negotiates the
// audio transport, blocking until the session secret arrives and audio can
// flow. A failed connect leaves the session idle and safe to retry.
func (s *Session) ConnectCtx(ctx context.Context, state voicegateway.State) error {
	if err := s.mut.CLock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire the session")
	}
	defer s.mut.Unlock()

	if s.Status() != StatusIdle {
		return ErrAlreadyConnected
	}

	s.state = state
	s.gateway = nil // the old gateway, if any, has stale server info

	return s.connect(ctx, false)
}

// connect runs one connection attempt while the session is held. With resume
// set it tries to pick the previous session back up; the server still
// decides, answering either RESUMED or a fresh READY.
func (s *Session) connect(ctx context.Context, resume bool) (err error) {
	s.id = s.IDSource.NextID()

	s.setStatus(StatusConnecting)
	defer func() {
		if err != nil {
			s.connectFailed(resume)
		}
	}()

	if s.gateway == nil {
		gw := s.OpenGateway(s.state)
		gw.ErrorLog = s.ErrorLog
		s.gateway = gw
	}

	if err = s.gateway.DialCtx(ctx); err != nil {
		return err
	}

	hello, err := s.gateway.WaitHello(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to wait for HELLO")
	}

	s.setStatus(StatusIdentifying)

	if resume && s.codec != nil {
		err = s.gateway.ResumeCtx(ctx)
	} else {
		err = s.gateway.IdentifyCtx(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "failed to authenticate")
	}

	s.setStatus(StatusAwaitingReady)

	ready, resumed, err := s.gateway.WaitSessionReady(ctx)
	if err != nil {
		return err
	}

	// The heartbeat starts only now that the server has accepted us, with
	// the interval HELLO declared.
	s.gateway.StartEventLoop(hello.HeartbeatInterval.Duration(), s.onLoopExit)

	if resumed {
		err = s.restoreTransport(ctx)
	} else {
		err = s.negotiateTransport(ctx, ready)
	}
	if err != nil {
		return err
	}

	// Force the next send to announce its speaking state again.
	s.spoken = false

	s.setStatus(StatusReady)

	if s.OnReady != nil {
		go s.OnReady(s)
	}

	return nil
}

// negotiateTransport runs the full transport negotiation for a fresh READY:
// mode selection, UDP discovery, protocol selection and the session
// description. The sequence and timestamp counters start over.
func (s *Session) negotiateTransport(ctx context.Context, ready voicegateway.ReadyEvent) error {
	s.ready = ready

	// Pick the encryption mode before anything touches the network, so a
	// server advertising nothing usable fails before a socket opens.
	mode, err := packet.SelectMode(ready.Modes)
	if err != nil {
		return err
	}

	if s.codec != nil {
		s.codec.Wipe()
	}
	s.codec = packet.NewCodec(ready.SSRC)
	if s.timeIncr > 0 {
		s.codec.SetTimeIncr(s.timeIncr)
	}

	s.setStatus(StatusUDPHandshake)

	s.voiceUDP, err = s.DialUDP(ctx, ready.Addr(), ready.SSRC)
	if err != nil {
		return errors.Wrap(err, "failed to open the voice UDP connection")
	}

	if s.frameDuration > 0 {
		s.voiceUDP.ResetFrequency(s.frameDuration)
	}

	// Register the waiter before select protocol goes out so the answer
	// cannot be missed.
	ch, cancel := s.gateway.EventLoop.Extras.Add(func(op *wsutil.OP) bool {
		return op.Code == voicegateway.SessionDescriptionOP
	})
	defer cancel()

	s.setStatus(StatusSelectingProtocol)

	err = s.gateway.SelectProtocolCtx(ctx, voicegateway.SelectProtocol{
		Protocol: "udp",
		Data: voicegateway.SelectProtocolData{
			Address: s.voiceUDP.GatewayIP,
			Port:    s.voiceUDP.GatewayPort,
			Mode:    mode.String(),
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to select protocol")
	}

	s.setStatus(StatusAwaitingSessionDescription)

	var desc voicegateway.SessionDescriptionEvent

	select {
	case op, ok := <-ch:
		if !ok {
			return errors.New("unexpected close waiting for session description")
		}
		if err := op.UnmarshalData(&desc); err != nil {
			return errors.Wrap(err, "failed to unmarshal session description")
		}
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to wait for session description")
	}

	if desc.Mode != mode.String() {
		return errors.Errorf("server chose encryption mode %q, expected %q", desc.Mode, mode)
	}

	s.codec.UseSecret(mode, desc.SecretKey)

	return nil
}

// restoreTransport re-dials the UDP transport of a resumed session. The
// codec, with its secret and counters, carries over.
func (s *Session) restoreTransport(ctx context.Context) error {
	if s.codec == nil || s.ready.IP == "" {
		return errors.New("resumed without a previous session to restore")
	}

	s.setStatus(StatusUDPHandshake)

	voiceUDP, err := s.DialUDP(ctx, s.ready.Addr(), s.ready.SSRC)
	if err != nil {
		return errors.Wrap(err, "failed to reopen the voice UDP connection")
	}
	s.voiceUDP = voiceUDP

	if s.frameDuration > 0 {
		s.voiceUDP.ResetFrequency(s.frameDuration)
	}

	return nil
}

// connectFailed rolls a failed connection attempt back to idle. A failed
// resume keeps the codec for the follow-up identify to replace.
func (s *Session) connectFailed(resume bool) {
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			s.ErrorLog(errors.Wrap(err, "failed to close the gateway after a failed connect"))
		}
	}

	if s.voiceUDP != nil {
		s.voiceUDP.Close()
		s.voiceUDP = nil
	}

	if !resume && s.codec != nil {
		s.codec.Wipe()
		s.codec = nil
	}

	s.setStatus(StatusIdle)
}

// onLoopExit is called exactly once whenever the event loop ends. A nil
// error means the stop was requested; anything else is a death that warrants
// either a reconnect or a full teardown.
func (s *Session) onLoopExit(err error) {
	if err == nil {
		return
	}

	s.ErrorLog(err)

	s.mut.Lock()
	defer s.mut.Unlock()

	// An explicit disconnect beat us to the session; nothing to revive.
	if status := s.Status(); status == StatusIdle || status == StatusDisconnecting {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.WSTimeout)
	defer cancel()

	// The server ended the session on purpose; don't fight it.
	if errors.Is(err, voicegateway.ErrTerminated) {
		s.shutdown()
		s.notifyDisconnect()
		return
	}

	if rerr := s.reconnect(ctx); rerr != nil {
		s.ErrorLog(&ReconnectError{Err: rerr})
		s.shutdown()
		s.notifyDisconnect()
	}
}

// Reconnect tears the transports down and rebuilds the connection with the
// saved server info, trying a resume first.
func (s *Session) Reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.WSTimeout)
	defer cancel()

	return s.ReconnectCtx(ctx)
}

// ReconnectCtx is Reconnect with a caller context.
func (s *Session) ReconnectCtx(ctx context.Context) error {
	if err := s.mut.CLock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire the session")
	}
	defer s.mut.Unlock()

	if s.Status() == StatusIdle {
		return &NotReadyError{Status: StatusIdle}
	}

	return s.reconnect(ctx)
}

// reconnect assumes the session is held. It resumes once; if the resume
// fails it falls back to fresh identifies with a delay between attempts.
func (s *Session) reconnect(ctx context.Context) error {
	s.stopTransports()

	err := s.connect(ctx, true)
	if err == nil {
		return nil
	}

	s.ErrorLog(errors.Wrap(err, "failed to resume, reidentifying"))

	timer := time.NewTimer(s.WSRetryDelay)
	defer timer.Stop()

	for try := 0; try < s.WSMaxRetry; try++ {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return err
		}
		timer.Reset(s.WSRetryDelay)

		if err = s.connect(ctx, false); err == nil {
			return nil
		}

		s.ErrorLog(errors.Wrapf(err, "failed to reconnect, attempt %d", try+1))
	}

	return err
}

// stopTransports closes the gateway and UDP halves without touching the
// negotiated codec, so a following resume can pick the stream back up.
func (s *Session) stopTransports() {
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			s.ErrorLog(errors.Wrap(err, "failed to close the dead gateway"))
		}
	}

	if s.voiceUDP != nil {
		s.voiceUDP.Close()
		s.voiceUDP = nil
	}
}

// Disconnect ends the session with the default timeout. Refer to
// DisconnectCtx.
func (s *Session) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.WSTimeout)
	defer cancel()

	return s.DisconnectCtx(ctx)
}

// DisconnectCtx ends the session: it stops the heartbeat, closes the
// control channel with the disconnect close code, closes the UDP socket and
// wipes the secret, in that order. Failures along the way are logged and
// swallowed so teardown always completes. Disconnecting an idle session is
// a no-op.
func (s *Session) DisconnectCtx(ctx context.Context) error {
	if err := s.mut.CLock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire the session")
	}
	defer s.mut.Unlock()

	if s.Status() == StatusIdle {
		return nil
	}

	s.shutdown()

	return nil
}

// shutdown assumes the session is held. Teardown order is fixed: event loop
// and heartbeat first, then the control channel, then the UDP socket, then
// the key material.
func (s *Session) shutdown() {
	s.setStatus(StatusDisconnecting)

	if s.gateway != nil {
		if err := s.gateway.CloseWithReason(voicegateway.DisconnectCloseReason); err != nil {
			s.ErrorLog(errors.Wrap(err, "failed to close the voice gateway"))
		}
		s.gateway = nil
	}

	if s.voiceUDP != nil {
		if err := s.voiceUDP.Close(); err != nil {
			s.ErrorLog(errors.Wrap(err, "failed to close the voice UDP connection"))
		}
		s.voiceUDP = nil
	}

	if s.codec != nil {
		s.codec.Wipe()
		s.codec = nil
	}

	s.ready = voicegateway.ReadyEvent{}
	s.speaking = 0
	s.spoken = false

	s.setStatus(StatusIdle)
}

func (s *Session) notifyDisconnect() {
	if s.OnDisconnect != nil {
		go s.OnDisconnect(s)
	}
}

// Speaking announces the given speaking state. Announcing the state it
// already has is a no-op, so callers may invoke this per frame.
func (s *Session) Speaking(ctx context.Context, flag voicegateway.SpeakingFlag) error {
	if err := s.mut.CLock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire the session")
	}
	defer s.mut.Unlock()

	if s.gateway == nil {
		return &NotReadyError{Status: s.Status()}
	}

	if s.spoken && s.speaking == flag {
		return nil
	}

	if err := s.gateway.SpeakingCtx(ctx, flag); err != nil {
		return errors.Wrap(err, "failed to send speaking")
	}

	s.spoken = true
	s.speaking = flag

	return nil
}

// SendAudioOptions configures a single SendAudio call.
type SendAudioOptions struct {
	// HasHeader indicates that the payload already carries its own 12-byte
	// header, so only encryption is applied and the counters don't advance.
	HasHeader bool
	// Delay is slept before the packet goes out.
	Delay time.Duration
}

// SendAudio encrypts and sends a single audio frame. Refer to SendAudioCtx.
func (s *Session) SendAudio(b []byte) error {
	return s.SendAudioCtx(context.Background(), b, SendAudioOptions{})
}

// SendAudioCtx encrypts b into a voice packet and sends it over the UDP
// transport. It only succeeds while the session is ready or streaming; any
// other status fails fast with NotReadyError before anything is written.
// Concurrent senders are serialized.
func (s *Session) SendAudioCtx(ctx context.Context, b []byte, opts SendAudioOptions) error {
	if err := s.mut.CLock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire the session")
	}
	defer s.mut.Unlock()

	status := s.Status()
	if !status.CanSend() {
		return &NotReadyError{Status: status}
	}

	// The first frame after a (re)connect announces that we're audible.
	if !s.spoken {
		err := s.gateway.SpeakingDataCtx(ctx, voicegateway.SpeakingData{
			Speaking: voicegateway.Microphone,
		})
		if err != nil {
			return errors.Wrap(err, "failed to announce speaking")
		}
		s.spoken = true
		s.speaking = voicegateway.Microphone
	}

	if opts.Delay > 0 {
		timer := time.NewTimer(opts.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	var wire []byte
	var err error

	if opts.HasHeader {
		wire, err = s.codec.SealWithHeader(s.sendBuf[:0], b)
	} else {
		wire, err = s.codec.Seal(s.sendBuf[:0], b)
	}
	if err != nil {
		return errors.Wrap(err, "failed to seal the audio packet")
	}
	s.sendBuf = wire

	if _, err := s.voiceUDP.WriteCtx(ctx, wire); err != nil {
		return errors.Wrap(err, "failed to write the audio packet")
	}

	if status == StatusReady {
		s.setStatus(StatusStreaming)
	}

	return nil
}

// Write sends b as a single audio frame, making the session usable as the
// destination of io.Copy. It implements io.Writer.
func (s *Session) Write(b []byte) (int, error) {
	if err := s.SendAudio(b); err != nil {
		return 0, err
	}

	return len(b), nil
}

// ReadPacket reads and decrypts a single incoming voice packet, skipping
// datagrams that are not voice data. The returned packet aliases a reused
// buffer, so it is only valid until the next call. ReadPacket must not be
// called concurrently with itself.
func (s *Session) ReadPacket() (*packet.Packet, error) {
	s.mut.Lock()
	voiceUDP := s.voiceUDP
	codec := s.codec
	status := s.Status()
	s.mut.Unlock()

	if voiceUDP == nil || codec == nil || !status.CanSend() {
		return nil, &NotReadyError{Status: status}
	}

	for {
		b, err := voiceUDP.ReadDatagram()
		if err != nil {
			return nil, err
		}

		// Anything that isn't an RTP voice packet gets dropped, keep-alives
		// included.
		if len(b) < packet.HeaderSize || (b[0] != 0x80 && b[0] != 0x90) {
			continue
		}

		p, err := codec.Open(s.recvBuf[:0], b)
		if err != nil {
			return nil, err
		}
		s.recvBuf = p.Payload

		return p, nil
	}
}

// ResetFrequency sets the write pacing and the timestamp advance per frame.
// By default there is no pacing and the timestamp advances by 960 samples,
// one 20ms frame at 48kHz. A frameDuration of 0 removes the pacing.
func (s *Session) ResetFrequency(frameDuration time.Duration, timeIncr uint32) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.frameDuration = frameDuration
	s.timeIncr = timeIncr

	if s.voiceUDP != nil {
		s.voiceUDP.ResetFrequency(frameDuration)
	}
	if s.codec != nil {
		s.codec.SetTimeIncr(timeIncr)
	}
}
