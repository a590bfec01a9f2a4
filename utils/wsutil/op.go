package wsutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/vedrecide/acord/utils/json"
)

var ErrEmptyPayload = errors.New("empty payload")

// OPCode is a generic type for websocket OP codes.
type OPCode uint8

// OP is the generic websocket operation envelope: an OP code describing the
// payload, and the payload itself.
type OP struct {
	Code OPCode   `json:"op"`
	Data json.Raw `json:"d,omitempty"`
}

func (op *OP) UnmarshalData(v interface{}) error {
	return json.Unmarshal(op.Data, v)
}

// MalformedMessageError is returned when a message cannot be decoded into a
// valid operation envelope. A connection that produced one cannot be safely
// reused, as its stream may be out of sync.
type MalformedMessageError struct {
	Payload json.Raw
	Err     error
}

func (err *MalformedMessageError) Error() string {
	return "malformed message: " + err.Err.Error() + ": " + string(err.Payload)
}

// Unwrap returns the underlying decode error.
func (err *MalformedMessageError) Unwrap() error {
	return err.Err
}

// IsMalformedMessage returns true if the error is a MalformedMessageError.
func IsMalformedMessage(err error) bool {
	var malformed *MalformedMessageError
	return errors.As(err, &malformed)
}

// DecodeOP decodes the given event into an operation envelope. Errors that
// are not the event's own are of type *MalformedMessageError.
func DecodeOP(ev Event) (*OP, error) {
	if ev.Error != nil {
		return nil, ev.Error
	}

	if len(ev.Data) == 0 {
		return nil, &MalformedMessageError{Err: ErrEmptyPayload}
	}

	var op *OP
	if err := json.Unmarshal(ev.Data, &op); err != nil {
		return nil, &MalformedMessageError{
			Payload: append(json.Raw(nil), ev.Data...),
			Err:     err,
		}
	}

	if op == nil {
		return nil, &MalformedMessageError{
			Payload: append(json.Raw(nil), ev.Data...),
			Err:     errors.New("null envelope"),
		}
	}

	return op, nil
}

// AssertEvent decodes the event and unmarshals its data into v, requiring the
// envelope to carry the given OP code.
func AssertEvent(ev Event, code OPCode, v interface{}) (*OP, error) {
	op, err := DecodeOP(ev)
	if err != nil {
		return nil, err
	}

	if op.Code != code {
		return op, fmt.Errorf(
			"unexpected OP Code: %d, expected %d (%s)",
			op.Code, code, op.Data,
		)
	}

	if err := json.Unmarshal(op.Data, v); err != nil {
		return op, errors.Wrap(err, "failed to decode data")
	}

	return op, nil
}

type EventHandler interface {
	HandleOP(op *OP) error
}

func HandleEvent(h EventHandler, ev Event) error {
	o, err := DecodeOP(ev)
	if err != nil {
		return err
	}

	return h.HandleOP(o)
}

// WaitForEvent blocks until fn() returns true. All incoming events are handled
// regardless.
func WaitForEvent(ctx context.Context, h EventHandler, ch <-chan Event, fn func(*OP) bool) error {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return errors.New("event not found and event channel is closed")
			}

			o, err := DecodeOP(e)
			if err != nil {
				return err
			}

			// Handle the *OP first so the handler state is consistent by the
			// time fn observes the operation.
			if err := h.HandleOP(o); err != nil {
				WSError(err)
				continue
			}

			// Are these events what we're looking for? If we've found the
			// event, return.
			if fn(o) {
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ExtraHandlers is a set of one-shot operation waiters. A handler is removed
// as soon as its Check returns true for an incoming operation.
type ExtraHandlers struct {
	mutex    sync.Mutex
	handlers map[uint32]*ExtraHandler
	serial   uint32
}

type ExtraHandler struct {
	Check func(*OP) bool
	send  chan *OP

	closed atomic.Bool
}

// Add registers a check. The returned channel receives the first operation
// that passes it; the returned function removes the handler early.
func (ex *ExtraHandlers) Add(check func(*OP) bool) (<-chan *OP, func()) {
	handler := &ExtraHandler{
		Check: check,
		send:  make(chan *OP),
	}

	ex.mutex.Lock()
	defer ex.mutex.Unlock()

	if ex.handlers == nil {
		ex.handlers = make(map[uint32]*ExtraHandler, 1)
	}

	i := ex.serial
	ex.serial++

	ex.handlers[i] = handler

	return handler.send, func() {
		// Check the atomic bool before acquiring the mutex. Might help a bit
		// in performance.
		if handler.closed.Load() {
			return
		}

		ex.mutex.Lock()
		defer ex.mutex.Unlock()

		delete(ex.handlers, i)
	}
}

// Check runs and sends OP data. It is not thread-safe.
func (ex *ExtraHandlers) Check(op *OP) {
	ex.mutex.Lock()
	defer ex.mutex.Unlock()

	for i, handler := range ex.handlers {
		if handler.Check(op) {
			// Attempt to send.
			handler.send <- op

			// Mark the handler as closed.
			handler.closed.Store(true)

			// Delete the handler.
			delete(ex.handlers, i)
		}
	}
}
