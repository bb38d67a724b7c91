package donations

import (
	"bytes"

	"github.com/goccy/go-json"
)

// tipsPage is GET /kappa/v2/tips/{channel}. Older API versions report the
// ledger size as total, newer ones as totalDocs.
type tipsPage struct {
	Docs      []tipDoc `json:"docs"`
	Total     *int     `json:"total"`
	TotalDocs *int     `json:"totalDocs"`
}

func (p tipsPage) total() int {
	switch {
	case p.Total != nil:
		return *p.Total
	case p.TotalDocs != nil:
		return *p.TotalDocs
	default:
		return 0
	}
}

type tipDoc struct {
	Donation struct {
		User struct {
			Username string `json:"username"`
			Channel  string `json:"channel"`
		} `json:"user"`
		Amount float64 `json:"amount"`
	} `json:"donation"`
}

// seChannel is GET /kappa/v2/channels/{id}.
type seChannel struct {
	Provider   string `json:"provider"`
	ProviderID string `json:"providerId"`
}

// ivrUser is GET /v2/twitch/user/{login}. The endpoint has answered with
// both a single object and a list; the first list entry wins.
type ivrUser struct {
	ID string `json:"id"`
}

func (u *ivrUser) UnmarshalJSON(data []byte) error {
	type plain ivrUser
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []plain
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*u = ivrUser(list[0])
		}
		return nil
	}
	var one plain
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*u = ivrUser(one)
	return nil
}
