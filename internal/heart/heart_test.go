package heart

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestPacemaker(t *testing.T) {
	var beats int
	p := NewPacemaker(time.Millisecond, func(context.Context) error {
		beats++
		return nil
	})
	t.Cleanup(p.Stop)

	// Fresh pacemakers assume a live server.
	if p.Dead() {
		t.Fatal("Pacemaker died before the first beat.")
	}

	if err := p.Pace(); err != nil {
		t.Fatal("Failed to pace with a live echo:", err)
	}
	if beats != 1 {
		t.Fatal("Unexpected beat count:", beats)
	}
}

func TestPacemakerDead(t *testing.T) {
	p := NewPacemaker(time.Millisecond, func(context.Context) error {
		return nil
	})
	t.Cleanup(p.Stop)

	// Backdate the echo past two intervals. The next pace must declare the
	// server dead.
	p.EchoBeat.Set(time.Now().Add(-5 * time.Millisecond))

	if err := p.Pace(); !errors.Is(err, ErrDead) {
		t.Fatal("Expected ErrDead, got:", err)
	}

	// An acknowledgement brings it back.
	p.Echo()

	if err := p.Pace(); err != nil {
		t.Fatal("Failed to pace after echo:", err)
	}
}

func TestPacemakerPacerError(t *testing.T) {
	sentinel := errors.New("websocket exploded")

	p := NewPacemaker(time.Millisecond, func(context.Context) error {
		return sentinel
	})
	t.Cleanup(p.Stop)

	if err := p.Pace(); !errors.Is(err, sentinel) {
		t.Fatal("Expected the pacer error, got:", err)
	}
}
