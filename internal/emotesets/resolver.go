// Package emotesets resolves Twitch emote-set metadata from IVR, with
// twitchemotes.com as a last resort, and normalizes every provider's shape into
// core.EmoteSet.
package emotesets

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/logging"
	"github.com/you/dankchat-api/internal/upstream"
)

const (
	// DefaultChunkSize is the IVR bulk endpoint's request ceiling.
	DefaultChunkSize = 50

	providerIVR          = "ivr"
	providerTwitchEmotes = "twitchemotes"

	// partnerPlaceholder is the owner IVR reports for platform-owned sets.
	partnerPlaceholder = "qa_TW_Partner"
)

type Options struct {
	Client              *upstream.Client
	IVRBaseURL          string
	TwitchEmotesBaseURL string
	ChunkSize           int
	// MaxConcurrentChunks bounds the bulk fan-out; 0 means unbounded.
	MaxConcurrentChunks int
	Metrics             *Metrics
}

type Resolver struct {
	client       *upstream.Client
	ivr          string
	twitchEmotes string
	chunkSize    int
	maxParallel  int
	metrics      *Metrics
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		client:       opts.Client,
		ivr:          strings.TrimRight(opts.IVRBaseURL, "/"),
		twitchEmotes: strings.TrimRight(opts.TwitchEmotesBaseURL, "/"),
		chunkSize:    opts.ChunkSize,
		maxParallel:  opts.MaxConcurrentChunks,
		metrics:      opts.Metrics,
	}
	if r.client == nil {
		r.client = upstream.New(upstream.Options{})
	}
	if r.chunkSize <= 0 {
		r.chunkSize = DefaultChunkSize
	}
	return r
}

// ResolveOne never fails: bulk provider with a singleton set, then the single
// set endpoint, then twitchemotes, then an id-only placeholder record.
func (r *Resolver) ResolveOne(ctx context.Context, id string) core.EmoteSet {
	if set, ok := r.fetchBulk(ctx, []string{id})[id]; ok {
		r.metrics.resolved("bulk")
		return set
	}
	if set, ok := r.fetchSingle(ctx, id); ok {
		r.metrics.resolved("single")
		return set
	}
	if set, ok := r.fetchTwitchEmotes(ctx, id); ok {
		r.metrics.resolved("twitchemotes")
		return set
	}
	r.metrics.resolved("placeholder")
	logging.Debug().Str("set", id).Msg("emotesets: no provider knows set, serving placeholder")
	return core.EmptySet(id)
}

// ResolveMany fetches ids in concurrent chunks. Ids no chunk returned are
// omitted. The result is keyed by id, so chunk completion order is irrelevant.
func (r *Resolver) ResolveMany(ctx context.Context, ids []string) map[string]core.EmoteSet {
	ids = uniqueIDs(ids)
	out := make(map[string]core.EmoteSet, len(ids))
	if len(ids) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if r.maxParallel > 0 {
		g.SetLimit(r.maxParallel)
	}
	for _, chunk := range Chunk(ids, r.chunkSize) {
		g.Go(func() error {
			sets := r.fetchBulk(gctx, chunk)
			mu.Lock()
			for id, set := range sets {
				out[id] = set
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.resolvedN("bulk", len(out))
	if missing := len(ids) - len(out); missing > 0 {
		logging.Debug().Int("requested", len(ids)).Int("missing", missing).Msg("emotesets: bulk lookup incomplete")
	}
	return out
}

// Load and LoadAll adapt the resolver to cache.Loader.
func (r *Resolver) Load(ctx context.Context, id string) core.EmoteSet {
	return r.ResolveOne(ctx, id)
}

func (r *Resolver) LoadAll(ctx context.Context, ids []string) map[string]core.EmoteSet {
	return r.ResolveMany(ctx, ids)
}

func (r *Resolver) fetchBulk(ctx context.Context, ids []string) map[string]core.EmoteSet {
	endpoint := upstream.WithQuery(
		upstream.Join(r.ivr, "v2", "twitch", "emotes", "sets"),
		url.Values{"set_id": {strings.Join(ids, ",")}},
	)
	res := upstream.Fetch[[]ivrBulkSet](ctx, r.client, upstream.Request{Provider: providerIVR, URL: endpoint})
	raw, ok := res.Get()
	if !ok {
		return nil
	}

	out := make(map[string]core.EmoteSet, len(raw))
	for _, dto := range raw {
		id := strings.TrimSpace(string(dto.SetID))
		if id == "" {
			continue
		}
		emotes := make([]core.Emote, 0, len(dto.Emotes))
		for _, e := range dto.Emotes {
			emotes = append(emotes, core.Emote{
				Code:      e.Code,
				ID:        string(e.ID),
				Type:      e.Type,
				AssetType: e.AssetType,
			})
		}
		out[id] = normalize(id, dto.ChannelLogin, string(dto.ChannelID), dto.Tier, emotes)
	}
	return out
}

func (r *Resolver) fetchSingle(ctx context.Context, id string) (core.EmoteSet, bool) {
	endpoint := upstream.Join(r.ivr, "twitch", "emoteset", id)
	dto, ok := upstream.Fetch[ivrSingleSet](ctx, r.client, upstream.Request{Provider: providerIVR, URL: endpoint}).Get()
	if !ok {
		return core.EmoteSet{}, false
	}
	emotes := make([]core.Emote, 0, len(dto.Emotes))
	for _, e := range dto.Emotes {
		emotes = append(emotes, core.Emote{Code: e.Token, ID: string(e.ID)})
	}
	return normalize(id, dto.Channel, string(dto.ChannelID), dto.Tier, emotes), true
}

func (r *Resolver) fetchTwitchEmotes(ctx context.Context, id string) (core.EmoteSet, bool) {
	if r.twitchEmotes == "" {
		return core.EmoteSet{}, false
	}
	endpoint := upstream.WithQuery(upstream.Join(r.twitchEmotes, "api", "v4", "sets"), url.Values{"id": {id}})
	sets, ok := upstream.Fetch[[]twitchEmotesSet](ctx, r.client, upstream.Request{Provider: providerTwitchEmotes, URL: endpoint}).Get()
	if !ok || len(sets) == 0 {
		return core.EmoteSet{}, false
	}
	dto := sets[0]
	return normalize(id, dto.ChannelName, string(dto.ChannelID), dto.Tier, nil), true
}

func normalize(id, channel, channelID string, tier looseString, emotes []core.Emote) core.EmoteSet {
	if emotes == nil {
		emotes = []core.Emote{}
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		channelID = core.UnknownChannelID
	}
	return core.EmoteSet{
		SetID:       id,
		ChannelName: normalizeChannel(channel),
		ChannelID:   channelID,
		Tier:        parseTier(tier),
		Emotes:      emotes,
	}
}

func normalizeChannel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == partnerPlaceholder {
		return core.PlatformChannel
	}
	return name
}

// Chunk splits ids into consecutive groups of at most size.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Metrics counts resolutions by the strategy that produced them.
type Metrics struct {
	resolutions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "emotesets",
			Name:      "resolved_total",
			Help:      "Emote sets resolved, by strategy",
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions)
	}
	return m
}

func (m *Metrics) resolved(strategy string) { m.resolvedN(strategy, 1) }

func (m *Metrics) resolvedN(strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.resolutions.WithLabelValues(strategy).Add(float64(n))
}
