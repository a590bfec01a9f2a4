package wsutil

import (
	"context"
	"testing"
	"time"
)

type recordLoop struct {
	handled chan OPCode
	beats   chan struct{}
}

func newRecordLoop() *recordLoop {
	return &recordLoop{
		handled: make(chan OPCode, 16),
		beats:   make(chan struct{}, 16),
	}
}

func (l *recordLoop) HandleOP(op *OP) error {
	l.handled <- op.Code
	return nil
}

func (l *recordLoop) HeartbeatCtx(context.Context) error {
	select {
	case l.beats <- struct{}{}:
	default:
	}
	return nil
}

func TestPacemakerLoop(t *testing.T) {
	rec := newRecordLoop()
	evs := make(chan Event)
	exit := make(chan error, 1)

	var loop PacemakerLoop
	loop.RunAsync(5*time.Millisecond, evs, rec, func(err error) { exit <- err })

	// The pacemaker must tick on its own.
	select {
	case <-rec.beats:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for a heartbeat.")
	}

	// Events get dispatched to the handler.
	evs <- Event{Data: []byte(`{"op":6}`)}

	select {
	case code := <-rec.handled:
		if code != 6 {
			t.Fatal("Unexpected OP code:", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the event dispatch.")
	}

	loop.Stop()

	if err := <-exit; err != nil {
		t.Fatal("Unexpected error on requested stop:", err)
	}
}

func TestPacemakerLoopMalformed(t *testing.T) {
	rec := newRecordLoop()
	evs := make(chan Event)
	exit := make(chan error, 1)

	var loop PacemakerLoop
	loop.RunAsync(time.Minute, evs, rec, func(err error) { exit <- err })

	// A payload that does not decode must kill the loop.
	evs <- Event{Data: []byte(`ceci n'est pas du JSON`)}

	select {
	case err := <-exit:
		if !IsMalformedMessage(err) {
			t.Fatal("Expected a malformed message error, got:", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the loop to die.")
	}
}

func TestPacemakerLoopStopped(t *testing.T) {
	// Zero-value and nil loops are considered stopped, and stopping them does
	// nothing.
	var loop PacemakerLoop
	if !loop.Stopped() {
		t.Fatal("Zero-value loop is not stopped.")
	}
	loop.Stop()

	var nilLoop *PacemakerLoop
	if !nilLoop.Stopped() {
		t.Fatal("Nil loop is not stopped.")
	}

	rec := newRecordLoop()
	evs := make(chan Event)
	exit := make(chan error, 1)

	loop.RunAsync(time.Minute, evs, rec, func(err error) { exit <- err })

	if loop.Stopped() {
		t.Fatal("Loop claims to be stopped while running.")
	}

	loop.Stop()
	if err := <-exit; err != nil {
		t.Fatal("Unexpected error on requested stop:", err)
	}

	// Stopping twice must be a no-op.
	loop.Stop()
}
