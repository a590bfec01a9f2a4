// Package acord contains a set of modular packages for connecting to a
// Discord voice server and streaming encrypted audio to it.
//
// Voice
//
// Package voice is the entrypoint for most users. It ties the control
// websocket and the UDP media transport together into a Session that
// reconnects on its own and exposes an io.Writer for Opus frames.
//
// Voicegateway
//
// Package voicegateway implements the control websocket alone. It speaks the
// opcode protocol, keeps the heartbeat, and negotiates the session secrets.
// Use it directly only if you want to drive the UDP transport yourself.
//
// Udp
//
// Package udp dials the media transport and performs the IP discovery
// handshake that finds the external address to advertise to the server.
//
// Packet
//
// Package packet seals and opens the RTP-style datagrams with the secretbox
// modes the server offers.
package acord

import (
	// Package that most should use.
	_ "github.com/vedrecide/acord/voice"

	// Low level packages.
	_ "github.com/vedrecide/acord/voice/packet"
	_ "github.com/vedrecide/acord/voice/udp"
	_ "github.com/vedrecide/acord/voice/voicegateway"
)
