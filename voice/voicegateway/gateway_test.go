package voicegateway

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/vedrecide/acord/discord"
	"github.com/vedrecide/acord/utils/json"
	"github.com/vedrecide/acord/utils/wsutil"
)

// fakeConn scripts a voice gateway conversation over the wsutil.Connection
// interface. Events pushed into it come back out of Listen, and everything
// the gateway sends lands in sent, decoded.
type fakeConn struct {
	events chan wsutil.Event
	sent   chan wsutil.OP
	closed chan wsutil.CloseReason
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan wsutil.Event, 16),
		sent:   make(chan wsutil.OP, 16),
		closed: make(chan wsutil.CloseReason, 1),
	}
}

func (f *fakeConn) Dial(ctx context.Context, addr string) error { return nil }

func (f *fakeConn) Listen() <-chan wsutil.Event { return f.events }

func (f *fakeConn) Send(ctx context.Context, b []byte) error {
	var op wsutil.OP
	if err := json.Unmarshal(b, &op); err != nil {
		return errors.Wrap(err, "fake conn got an undecodable payload")
	}

	f.sent <- op
	return nil
}

func (f *fakeConn) Close(r wsutil.CloseReason) error {
	select {
	case f.closed <- r:
	default:
	}

	close(f.events)
	return nil
}

// event queues a raw message for the gateway to receive.
func (f *fakeConn) event(s string) {
	f.events <- wsutil.Event{Data: []byte(s)}
}

// awaitOP waits for the gateway to send the given OP, skipping interleaved
// heartbeats unless a heartbeat is what's awaited.
func (f *fakeConn) awaitOP(code OPCode) (wsutil.OP, error) {
	for {
		select {
		case op, ok := <-f.sent:
			if !ok {
				return wsutil.OP{}, errors.New("send channel closed")
			}
			if op.Code == HeartbeatOP && code != HeartbeatOP {
				continue
			}
			if op.Code != code {
				return op, errors.Errorf("unexpected OP %d, expected %d", op.Code, code)
			}
			return op, nil

		case <-time.After(3 * time.Second):
			return wsutil.OP{}, errors.Errorf("timed out waiting for OP %d", code)
		}
	}
}

func (f *fakeConn) expectOP(t *testing.T, code OPCode) wsutil.OP {
	t.Helper()

	op, err := f.awaitOP(code)
	if err != nil {
		t.Fatal("failed to await OP:", err)
	}

	return op
}

func testState() State {
	return State{
		GuildID:   123,
		ChannelID: 100,
		UserID:    456,
		SessionID: "abcdef",
		Token:     "hunter2",
		Endpoint:  "voice.example.com:80",
	}
}

func newFakeGateway(t *testing.T) (*Gateway, *fakeConn) {
	t.Helper()

	fake := newFakeConn()

	gw := New(testState())
	gw.WS = wsutil.NewCustom(fake, "wss://voice.example.com/?v="+Version)

	if err := gw.DialCtx(context.Background()); err != nil {
		t.Fatal("failed to dial:", err)
	}

	return gw, fake
}

func TestGatewayHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, fake := newFakeGateway(t)

	fake.event(`{"op":8,"d":{"heartbeat_interval":60000}}`)

	hello, err := gw.WaitHello(ctx)
	if err != nil {
		t.Fatal("failed to wait for HELLO:", err)
	}
	if hello.HeartbeatInterval.Duration() != time.Minute {
		t.Fatal("unexpected heartbeat interval:", hello.HeartbeatInterval)
	}

	if err := gw.IdentifyCtx(ctx); err != nil {
		t.Fatal("failed to identify:", err)
	}

	var identify IdentifyData
	if err := fake.expectOP(t, IdentifyOP).UnmarshalData(&identify); err != nil {
		t.Fatal("failed to decode identify:", err)
	}
	if identify.GuildID != discord.GuildID(123) || identify.UserID != discord.UserID(456) {
		t.Fatalf("unexpected identify IDs: %#v", identify)
	}
	if identify.SessionID != "abcdef" || identify.Token != "hunter2" {
		t.Fatalf("unexpected identify credentials: %#v", identify)
	}

	fake.event(`{
		"op": 2,
		"d": {
			"ip": "127.0.0.1",
			"port": 41234,
			"ssrc": 42,
			"modes": ["xsalsa20_poly1305_lite", "xsalsa20_poly1305"]
		}
	}`)

	ready, resumed, err := gw.WaitSessionReady(ctx)
	if err != nil {
		t.Fatal("failed to wait for READY:", err)
	}
	if resumed {
		t.Fatal("fresh identify reported as resumed")
	}
	if ready.SSRC != 42 || ready.Addr() != "127.0.0.1:41234" {
		t.Fatalf("unexpected ready: %#v", ready)
	}

	exit := make(chan error, 1)
	gw.StartEventLoop(hello.HeartbeatInterval.Duration(), func(err error) { exit <- err })

	// Feed the session description once select protocol goes out.
	go func() {
		op, err := fake.awaitOP(SelectProtocolOP)
		if err != nil {
			t.Error("failed to await select protocol:", err)
			return
		}

		var sp SelectProtocol
		if err := op.UnmarshalData(&sp); err != nil {
			t.Error("failed to decode select protocol:", err)
			return
		}
		if sp.Protocol != "udp" || sp.Data.Mode != "xsalsa20_poly1305_lite" {
			t.Errorf("unexpected select protocol: %#v", sp)
			return
		}
		if sp.Data.Address != "203.0.113.9" || sp.Data.Port != 6969 {
			t.Errorf("unexpected external address: %#v", sp.Data)
			return
		}

		fake.event(`{
			"op": 4,
			"d": {
				"mode": "xsalsa20_poly1305_lite",
				"secret_key": [
					0,  1,  2,  3,  4,  5,  6,  7,
					8,  9,  10, 11, 12, 13, 14, 15,
					16, 17, 18, 19, 20, 21, 22, 23,
					24, 25, 26, 27, 28, 29, 30, 31
				]
			}
		}`)
	}()

	sesdesc, err := gw.SessionDescriptionCtx(ctx, SelectProtocol{
		Protocol: "udp",
		Data: SelectProtocolData{
			Address: "203.0.113.9",
			Port:    6969,
			Mode:    "xsalsa20_poly1305_lite",
		},
	})
	if err != nil {
		t.Fatal("failed to get the session description:", err)
	}
	if sesdesc.Mode != "xsalsa20_poly1305_lite" {
		t.Fatal("unexpected session description mode:", sesdesc.Mode)
	}
	for i, b := range sesdesc.SecretKey {
		if b != byte(i) {
			t.Fatalf("unexpected secret key byte %d at %d", b, i)
		}
	}

	// The SSRC from READY should be filled into speaking payloads.
	if err := gw.SpeakingCtx(ctx, Microphone); err != nil {
		t.Fatal("failed to send speaking:", err)
	}

	var speaking SpeakingData
	if err := fake.expectOP(t, SpeakingOP).UnmarshalData(&speaking); err != nil {
		t.Fatal("failed to decode speaking:", err)
	}
	if speaking.Speaking != Microphone || speaking.SSRC != 42 {
		t.Fatalf("unexpected speaking: %#v", speaking)
	}

	if err := gw.CloseWithReason(DisconnectCloseReason); err != nil {
		t.Fatal("failed to close:", err)
	}

	select {
	case err := <-exit:
		if err != nil {
			t.Fatal("event loop exited with an error:", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the event loop to exit")
	}

	select {
	case r := <-fake.closed:
		if r != DisconnectCloseReason {
			t.Fatalf("unexpected close reason: %#v", r)
		}
	default:
		t.Fatal("connection never got a close reason")
	}
}

func TestGatewayResume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, fake := newFakeGateway(t)

	fake.event(`{"op":8,"d":{"heartbeat_interval":60000}}`)

	if _, err := gw.WaitHello(ctx); err != nil {
		t.Fatal("failed to wait for HELLO:", err)
	}

	if err := gw.ResumeCtx(ctx); err != nil {
		t.Fatal("failed to resume:", err)
	}

	var resume ResumeData
	if err := fake.expectOP(t, ResumeOP).UnmarshalData(&resume); err != nil {
		t.Fatal("failed to decode resume:", err)
	}
	if resume.GuildID != discord.GuildID(123) || resume.SessionID != "abcdef" {
		t.Fatalf("unexpected resume: %#v", resume)
	}

	fake.event(`{"op":9}`)

	_, resumed, err := gw.WaitSessionReady(ctx)
	if err != nil {
		t.Fatal("failed to wait for RESUMED:", err)
	}
	if !resumed {
		t.Fatal("RESUMED not reported as a resume")
	}
}

func TestGatewayHeartbeat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, fake := newFakeGateway(t)

	fake.event(`{"op":8,"d":{"heartbeat_interval":50}}`)

	hello, err := gw.WaitHello(ctx)
	if err != nil {
		t.Fatal("failed to wait for HELLO:", err)
	}

	exit := make(chan error, 1)
	gw.StartEventLoop(hello.HeartbeatInterval.Duration(), func(err error) { exit <- err })

	var last int64
	for i := 0; i < 2; i++ {
		var nonce int64
		if err := fake.expectOP(t, HeartbeatOP).UnmarshalData(&nonce); err != nil {
			t.Fatal("failed to decode heartbeat nonce:", err)
		}
		if nonce <= last {
			t.Fatalf("heartbeat nonce %d not monotonic after %d", nonce, last)
		}
		last = nonce

		// Ack so the pacemaker stays alive.
		fake.event(`{"op":6,"d":123}`)
	}

	if err := gw.Close(); err != nil {
		t.Fatal("failed to close:", err)
	}

	select {
	case err := <-exit:
		if err != nil {
			t.Fatal("event loop exited with an error:", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the event loop to exit")
	}
}

func TestGatewayDialNoEndpoint(t *testing.T) {
	gw := New(State{})

	if err := gw.DialCtx(context.Background()); !errors.Is(err, ErrNoEndpoint) {
		t.Fatal("dial without an endpoint didn't return ErrNoEndpoint:", err)
	}
}

func TestGatewayTerminate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, fake := newFakeGateway(t)

	fake.event(`{"op":8,"d":{"heartbeat_interval":60000}}`)

	hello, err := gw.WaitHello(ctx)
	if err != nil {
		t.Fatal("failed to wait for HELLO:", err)
	}

	exit := make(chan error, 1)
	gw.StartEventLoop(hello.HeartbeatInterval.Duration(), func(err error) { exit <- err })

	fake.event(`{"op":13,"d":{"user_id":"456"}}`)

	select {
	case err := <-exit:
		if !errors.Is(err, ErrTerminated) {
			t.Fatal("event loop exited without ErrTerminated:", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the terminate to break the loop")
	}

	// Closing after the loop died must still work.
	if err := gw.Close(); err != nil {
		t.Fatal("failed to close after terminate:", err)
	}
}
