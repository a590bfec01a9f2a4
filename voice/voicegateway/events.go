package voicegateway

import (
	"strconv"

	"github.com/vedrecide/acord/discord"
)

// OPCode 2
type ReadyEvent struct {
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	SSRC  uint32   `json:"ssrc"`
	Modes []string `json:"modes"`

	// The heartbeat_interval field sent here is erroneous and should be
	// ignored. The correct value comes with HELLO.
}

// Addr formats the server's reported UDP host into a dialable address.
func (r ReadyEvent) Addr() string {
	return r.IP + ":" + strconv.Itoa(r.Port)
}

// OPCode 4
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// OPCode 5
type SpeakingEvent SpeakingData

// OPCode 6
type HeartbeatACKEvent int64

// OPCode 8
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

// OPCode 9
type ResumedEvent struct{}

// OPCode 13
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}
