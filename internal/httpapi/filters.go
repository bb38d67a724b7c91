package httpapi

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxSetIDs caps the distinct ids accepted by one /sets request.
const MaxSetIDs = 500

var ErrTooManySetIDs = fmt.Errorf("more than %d set ids", MaxSetIDs)

// ParseSetIDs collects every "id" query value, splitting comma-joined lists.
// Blanks are dropped and duplicates keep their first position. More than
// MaxSetIDs distinct ids is ErrTooManySetIDs.
func ParseSetIDs(values url.Values) ([]string, error) {
	raws := collect(values, "id")
	if len(raws) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range raws {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, exists := seen[part]; exists {
				continue
			}
			if len(out) == MaxSetIDs {
				return nil, ErrTooManySetIDs
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out, nil
}

func collect(values url.Values, key string) []string {
	out := values[key]
	if out == nil {
		return nil
	}
	return out
}
