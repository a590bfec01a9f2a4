// Package main demonstrates a bare voice client. It joins a voice server
// with credentials taken from the environment and streams a DCA file to it.
package main

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"time"

	"github.com/vedrecide/acord/discord"
	"github.com/vedrecide/acord/voice"
	"github.com/vedrecide/acord/voice/voicegateway"
)

// To run, do
//
//	VOICE_GUILD_ID="..." VOICE_USER_ID="..." VOICE_SESSION_ID="..." \
//	VOICE_TOKEN="..." VOICE_ENDPOINT="..." go run . audio.dca
//
// The credentials come from the voice state and voice server updates of
// whatever gateway library is driving the main connection.

func main() {
	if len(os.Args) < 2 {
		log.Fatalln("usage:", os.Args[0], "<file.dca>")
	}

	state := voicegateway.State{
		GuildID:   discord.GuildID(mustSnowflake("VOICE_GUILD_ID")),
		UserID:    discord.UserID(mustSnowflake("VOICE_USER_ID")),
		SessionID: mustEnv("VOICE_SESSION_ID"),
		Token:     mustEnv("VOICE_TOKEN"),
		Endpoint:  mustEnv("VOICE_ENDPOINT"),
	}

	s := voice.NewSession()

	if err := s.Connect(state); err != nil {
		log.Fatalln("failed to connect:", err)
	}
	defer s.Disconnect()

	// One 20ms frame of 960 samples per packet.
	s.ResetFrequency(20*time.Millisecond, 960)

	if err := s.Speaking(context.Background(), voicegateway.Microphone); err != nil {
		log.Fatalln("failed to send the speaking command:", err)
	}

	if err := stream(s, os.Args[1]); err != nil {
		log.Fatalln("failed to stream:", err)
	}
}

// stream writes the Opus frames of a DCA file into w, one frame per Write.
func stream(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lenbuf [4]byte
	var frame []byte

	for {
		if _, err := io.ReadFull(f, lenbuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		framelen := binary.LittleEndian.Uint32(lenbuf[:])
		if int(framelen) > len(frame) {
			frame = make([]byte, framelen)
		}

		if _, err := io.ReadFull(f, frame[:framelen]); err != nil {
			return err
		}

		if _, err := w.Write(frame[:framelen]); err != nil {
			return err
		}
	}
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalln("missing $" + name)
	}
	return v
}

func mustSnowflake(name string) discord.Snowflake {
	id, err := discord.ParseSnowflake(mustEnv(name))
	if err != nil {
		log.Fatalln("invalid $"+name+":", err)
	}
	return id
}
