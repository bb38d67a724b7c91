package emotesets

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// looseString accepts a JSON string, number, or null.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = looseString(data)
	return nil
}

// ivrBulkSet is one element of GET /v2/twitch/emotes/sets.
type ivrBulkSet struct {
	SetID        looseString    `json:"setID"`
	ChannelLogin string         `json:"channelLogin"`
	ChannelID    looseString    `json:"channelID"`
	Tier         looseString    `json:"tier"`
	Emotes       []ivrBulkEmote `json:"emoteList"`
}

type ivrBulkEmote struct {
	Code      string      `json:"code"`
	ID        looseString `json:"id"`
	Type      string      `json:"type"`
	AssetType string      `json:"assetType"`
}

// ivrSingleSet is GET /twitch/emoteset/{id}.
type ivrSingleSet struct {
	Channel   string           `json:"channel"`
	ChannelID looseString      `json:"channelid"`
	Tier      looseString      `json:"tier"`
	Emotes    []ivrSingleEmote `json:"emotes"`
}

type ivrSingleEmote struct {
	Token string      `json:"token"`
	ID    looseString `json:"id"`
}

// twitchEmotesSet is one element of GET /api/v4/sets?id=.
type twitchEmotesSet struct {
	SetID       looseString `json:"set_id"`
	ChannelName string      `json:"channel_name"`
	ChannelID   looseString `json:"channel_id"`
	Tier        looseString `json:"tier"`
}

func parseTier(raw looseString) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
