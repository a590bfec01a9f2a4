package voicegateway

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vedrecide/acord/discord"
)

var (
	// ErrMissingForIdentify is an error when we are missing information to
	// identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")

	// ErrMissingForResume is an error when we are missing information to
	// resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// OPCode 0
type IdentifyData struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// Identify sends an Identify operation (opcode 0) to the voice gateway.
func (c *Gateway) Identify() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	return c.IdentifyCtx(ctx)
}

// IdentifyCtx sends an Identify operation (opcode 0) to the voice gateway.
func (c *Gateway) IdentifyCtx(ctx context.Context) error {
	guildID := c.state.GuildID
	userID := c.state.UserID
	sessionID := c.state.SessionID
	token := c.state.Token

	if !guildID.IsValid() || !userID.IsValid() || sessionID == "" || token == "" {
		return ErrMissingForIdentify
	}

	return c.SendCtx(ctx, IdentifyOP, IdentifyData{
		GuildID:   guildID,
		UserID:    userID,
		SessionID: sessionID,
		Token:     token,
	})
}

// OPCode 1
type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// SelectProtocol sends a Select Protocol operation (opcode 1) to the voice
// gateway.
func (c *Gateway) SelectProtocol(data SelectProtocol) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	return c.SelectProtocolCtx(ctx, data)
}

// SelectProtocolCtx sends a Select Protocol operation (opcode 1) to the
// voice gateway.
func (c *Gateway) SelectProtocolCtx(ctx context.Context, data SelectProtocol) error {
	return c.SendCtx(ctx, SelectProtocolOP, data)
}

// OPCode 3
// type Heartbeat int64

// Heartbeat sends a Heartbeat operation (opcode 3) to the voice gateway.
func (c *Gateway) Heartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	return c.HeartbeatCtx(ctx)
}

// HeartbeatCtx sends a Heartbeat operation (opcode 3) to the voice gateway.
// The nonce is the current monotonic time so each beat is distinguishable.
func (c *Gateway) HeartbeatCtx(ctx context.Context) error {
	return c.SendCtx(ctx, HeartbeatOP, time.Now().UnixNano())
}

type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority
)

// NotSpeaking is the flag value that announces the end of a transmission.
const NotSpeaking SpeakingFlag = 0

// OPCode 5
type SpeakingData struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

// Speaking sends a Speaking operation (opcode 5) to the voice gateway.
func (c *Gateway) Speaking(flag SpeakingFlag) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	return c.SpeakingCtx(ctx, flag)
}

// SpeakingCtx sends a Speaking operation (opcode 5) to the voice gateway.
func (c *Gateway) SpeakingCtx(ctx context.Context, flag SpeakingFlag) error {
	return c.SpeakingDataCtx(ctx, SpeakingData{Speaking: flag})
}

// SpeakingDataCtx sends a full Speaking payload. A zero SSRC is filled in
// from the session's READY.
func (c *Gateway) SpeakingDataCtx(ctx context.Context, data SpeakingData) error {
	if data.SSRC == 0 {
		c.mutex.RLock()
		data.SSRC = c.ready.SSRC
		c.mutex.RUnlock()
	}

	return c.SendCtx(ctx, SpeakingOP, data)
}

// OPCode 7
type ResumeData struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// Resume sends a Resume operation (opcode 7) to the voice gateway.
func (c *Gateway) Resume() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	return c.ResumeCtx(ctx)
}

// ResumeCtx sends a Resume operation (opcode 7) to the voice gateway.
func (c *Gateway) ResumeCtx(ctx context.Context) error {
	guildID := c.state.GuildID
	sessionID := c.state.SessionID
	token := c.state.Token

	if !guildID.IsValid() || sessionID == "" || token == "" {
		return ErrMissingForResume
	}

	return c.SendCtx(ctx, ResumeOP, ResumeData{
		GuildID:   guildID,
		SessionID: sessionID,
		Token:     token,
	})
}
