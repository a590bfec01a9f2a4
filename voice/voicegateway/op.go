package voicegateway

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vedrecide/acord/utils/json"
	"github.com/vedrecide/acord/utils/wsutil"
)

// OPCode is an operation code of the voice gateway protocol.
type OPCode = wsutil.OPCode

const (
	IdentifyOP           OPCode = 0  // send
	SelectProtocolOP     OPCode = 1  // send
	ReadyOP              OPCode = 2  // receive
	HeartbeatOP          OPCode = 3  // send
	SessionDescriptionOP OPCode = 4  // receive
	SpeakingOP           OPCode = 5  // send/receive
	HeartbeatAckOP       OPCode = 6  // receive
	ResumeOP             OPCode = 7  // send
	HelloOP              OPCode = 8  // receive
	ResumedOP            OPCode = 9  // receive
	ClientDisconnectOP   OPCode = 13 // receive
)

// ErrTerminated is the cause of the event loop error when the server sends
// the terminate opcode, telling the client that the session is over.
var ErrTerminated = errors.New("voice connection terminated by the server")

// HandleOP handles a single received operation. It implements
// wsutil.EventLoopHandler for the event loop.
func (c *Gateway) HandleOP(op *wsutil.OP) error {
	switch op.Code {
	// Gives information required to make a UDP connection.
	case ReadyOP:
		if err := unmarshalMutex(op.Data, &c.ready, &c.mutex); err != nil {
			return errors.Wrap(err, "failed to parse READY event")
		}

	// Gives the encryption mode and secret key for sending voice packets.
	case SessionDescriptionOP:
		// Waited on explicitly through SessionDescriptionCtx.

	// Someone started or stopped speaking.
	case SpeakingOP:
		if c.OnSpeaking != nil {
			var ev SpeakingEvent
			if err := op.UnmarshalData(&ev); err != nil {
				return errors.Wrap(err, "failed to parse SPEAKING event")
			}
			c.OnSpeaking(ev)
		}

	// Heartbeat response from the server.
	case HeartbeatAckOP:
		c.EventLoop.Echo()

	// Hello is handled on connection start.
	case HelloOP:

	// Server is saying the connection was resumed, no data here.
	case ResumedOP:
		wsutil.WSDebug("Voice gateway connection has been resumed.")

	// The server is done with this session; break the event loop so the
	// controller can tear down or reconnect.
	case ClientDisconnectOP:
		return wsutil.ErrBrokenConnection(ErrTerminated)

	default:
		return errors.Errorf("unknown OP code %d", op.Code)
	}

	return nil
}

func unmarshalMutex(d []byte, v interface{}, m *sync.RWMutex) error {
	m.Lock()
	err := json.Unmarshal(d, v)
	m.Unlock()
	return err
}
