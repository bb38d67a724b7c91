// Package badges assembles the badge catalogue served on /badges.
//
// Curated lists and opt-outs live behind atomic pointers and are only ever
// replaced whole, so readers always see a complete list, old or new.
package badges

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/logging"
)

const (
	LabelDeveloper   = "DankChat Developer"
	LabelTopSupport  = "DankChat Top Supporter"
	LabelContributor = "DankChat Contributor"
	LabelSupporter   = "DankChat Supporter"

	iconDeveloper   = "gold.png"
	iconTop         = "top.png"
	iconContributor = "contributor.png"
	iconSupporter   = "dank.png"

	DefaultIconBaseURL = "https://flxrs.com/dankchat/badges/"
)

// Lists that can be reloaded.
const (
	ListTop          = "top"
	ListContributors = "contributors"
	ListManual       = "manual"
	ListOptOut       = "optout"
)

// SupporterSource yields persisted donor ids in a stable order.
type SupporterSource interface {
	PlatformUserIDs(ctx context.Context) ([]string, error)
}

type Options struct {
	IconBaseURL  string
	DeveloperIDs []string
	Supporters   SupporterSource
	Metrics      *Metrics
}

type State struct {
	iconBase   string
	developers []string
	supporters SupporterSource
	metrics    *Metrics

	top          atomic.Pointer[[]string]
	contributors atomic.Pointer[[]string]
	manual       atomic.Pointer[[]core.Badge]
	optOut       atomic.Pointer[map[string]struct{}]
	// lastSupporters is served when the store cannot be read.
	lastSupporters atomic.Pointer[[]string]
}

func New(opts Options) *State {
	base := strings.TrimSpace(opts.IconBaseURL)
	if base == "" {
		base = DefaultIconBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	s := &State{
		iconBase:   base,
		developers: cleanIDs(opts.DeveloperIDs),
		supporters: opts.Supporters,
		metrics:    opts.Metrics,
	}
	empty := []string{}
	s.top.Store(&empty)
	s.contributors.Store(&empty)
	s.lastSupporters.Store(&empty)
	noBadges := []core.Badge{}
	s.manual.Store(&noBadges)
	noOptOuts := map[string]struct{}{}
	s.optOut.Store(&noOptOuts)
	return s
}

func (s *State) SetTop(ids []string) {
	list := cleanIDs(ids)
	s.top.Store(&list)
	s.metrics.size(ListTop, len(list))
}

func (s *State) SetContributors(ids []string) {
	list := cleanIDs(ids)
	s.contributors.Store(&list)
	s.metrics.size(ListContributors, len(list))
}

func (s *State) SetManual(badges []core.Badge) {
	list := make([]core.Badge, 0, len(badges))
	for _, b := range badges {
		b.Users = cleanIDs(b.Users)
		list = append(list, b)
	}
	s.manual.Store(&list)
	s.metrics.size(ListManual, len(list))
}

func (s *State) SetOptOuts(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range cleanIDs(ids) {
		set[id] = struct{}{}
	}
	s.optOut.Store(&set)
	s.metrics.size(ListOptOut, len(set))
}

// OptedOut reports whether id asked not to be listed as a supporter.
func (s *State) OptedOut(id string) bool {
	_, ok := (*s.optOut.Load())[strings.TrimSpace(id)]
	return ok
}

// All returns static ++ curated ++ derived badges, in that order. A store
// failure serves the last supporter list that could be read.
func (s *State) All(ctx context.Context) []core.Badge {
	out := []core.Badge{
		{Label: LabelDeveloper, IconURL: s.iconBase + iconDeveloper, Users: s.developers},
		{Label: LabelTopSupport, IconURL: s.iconBase + iconTop, Users: *s.top.Load()},
		{Label: LabelContributor, IconURL: s.iconBase + iconContributor, Users: *s.contributors.Load()},
	}
	out = append(out, *s.manual.Load()...)
	out = append(out, core.Badge{Label: LabelSupporter, IconURL: s.iconBase + iconSupporter, Users: s.supporterIDs(ctx)})
	return out
}

func (s *State) supporterIDs(ctx context.Context) []string {
	ids := *s.lastSupporters.Load()
	if s.supporters != nil {
		fresh, err := s.supporters.PlatformUserIDs(ctx)
		if err != nil {
			logging.Error().Err(err).Msg("badges: reading supporters failed, serving last known list")
		} else {
			ids = cleanIDs(fresh)
			s.lastSupporters.Store(&ids)
		}
	}

	optOut := *s.optOut.Load()
	if len(optOut) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, skip := optOut[id]; skip {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Apply parses data for the named list and swaps it in. A list that fails to
// parse leaves the previous one in place.
func (s *State) Apply(list string, data []byte) error {
	switch list {
	case ListTop, ListContributors, ListOptOut:
		ids, err := ParseLines(data)
		if err != nil {
			s.metrics.reload(list, false)
			return errors.Wrapf(err, "badges: parse %s", list)
		}
		switch list {
		case ListTop:
			s.SetTop(ids)
		case ListContributors:
			s.SetContributors(ids)
		default:
			s.SetOptOuts(ids)
		}
	case ListManual:
		parsed, err := ParseManual(data)
		if err != nil {
			s.metrics.reload(list, false)
			return err
		}
		s.SetManual(parsed)
	default:
		return errors.Errorf("badges: unknown list %q", list)
	}
	s.metrics.reload(list, true)
	return nil
}

// ParseLines returns the trimmed, non-blank lines of data. A line longer than
// bufio.MaxScanTokenSize is an error.
func ParseLines(data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseManual decodes a JSON array of badges in the /badges wire shape. An
// empty file is an empty list.
func ParseManual(data []byte) ([]core.Badge, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []core.Badge{}, nil
	}
	var out []core.Badge
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode manual badges")
	}
	for i, b := range out {
		if strings.TrimSpace(b.Label) == "" {
			return nil, errors.Errorf("manual badge %d has no type", i)
		}
	}
	return out, nil
}

// cleanIDs trims ids, drops blanks and duplicates, and never returns nil.
func cleanIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
