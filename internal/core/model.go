package core

import "time"

const (
	// PlatformChannel is the display name used for sets owned by the platform itself.
	PlatformChannel = "Twitch"
	// UnknownChannelID is used when upstream does not report an owner id.
	UnknownChannelID = "0"
	// DefaultTier applies when the tier is absent or unparsable.
	DefaultTier = 1
)

// Emote is a single entry of an emote set.
type Emote struct {
	Code      string `json:"code"`
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	AssetType string `json:"assetType,omitempty"`
}

// EmoteSet is the canonical emote-set record served by the API.
type EmoteSet struct {
	SetID       string  `json:"setId"`
	ChannelName string  `json:"channel"`
	ChannelID   string  `json:"channelId"`
	Tier        int     `json:"tier"`
	Emotes      []Emote `json:"emotes"`

	// Placeholder marks a record synthesized because no provider had data.
	Placeholder bool `json:"-"`
}

// EmptySet returns the id-populated record used when no provider knows the set.
func EmptySet(id string) EmoteSet {
	return EmoteSet{
		SetID:       id,
		ChannelName: PlatformChannel,
		ChannelID:   UnknownChannelID,
		Tier:        DefaultTier,
		Emotes:      []Emote{},
		Placeholder: true,
	}
}

// Donor is a confirmed supporter persisted by reconciliation.
type Donor struct {
	SourceChannelID string    // key into the donation ledger
	PlatformUserID  string    // Twitch user id
	DisplayName     string
	CreatedAt       time.Time
}

// Badge is a named badge plus the identities entitled to display it.
type Badge struct {
	Label   string   `json:"type"`
	IconURL string   `json:"url"`
	Users   []string `json:"users"`
}
