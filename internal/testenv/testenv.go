// +build !unitonly

package testenv

import (
	"os"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/vedrecide/acord/discord"
)

// Env carries the voice server credentials used by integration tests. All of
// it comes from a live gateway session, so the values expire quickly.
type Env struct {
	Endpoint  string
	Token     string
	SessionID string
	GuildID   discord.GuildID
	UserID    discord.UserID
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

func Must(t *testing.T) Env {
	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing")
	}
	return e
}

func GetEnv() (Env, error) {
	once.Do(getEnv)
	return globalEnv, globalErr
}

func getEnv() {
	var endpoint = os.Getenv("VOICE_ENDPOINT")
	if endpoint == "" {
		globalErr = errors.New("missing $VOICE_ENDPOINT")
		return
	}

	var token = os.Getenv("VOICE_TOKEN")
	if token == "" {
		globalErr = errors.New("missing $VOICE_TOKEN")
		return
	}

	var session = os.Getenv("VOICE_SESSION_ID")
	if session == "" {
		globalErr = errors.New("missing $VOICE_SESSION_ID")
		return
	}

	var gid = os.Getenv("VOICE_GUILD_ID")
	if gid == "" {
		globalErr = errors.New("missing $VOICE_GUILD_ID")
		return
	}

	guildID, err := discord.ParseSnowflake(gid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $VOICE_GUILD_ID")
		return
	}

	var uid = os.Getenv("VOICE_USER_ID")
	if uid == "" {
		globalErr = errors.New("missing $VOICE_USER_ID")
		return
	}

	userID, err := discord.ParseSnowflake(uid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $VOICE_USER_ID")
		return
	}

	globalEnv = Env{
		Endpoint:  endpoint,
		Token:     token,
		SessionID: session,
		GuildID:   discord.GuildID(guildID),
		UserID:    discord.UserID(userID),
	}
}
