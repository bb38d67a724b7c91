package emotesets

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/upstream"
)

type fakeProviders struct {
	mux  *http.ServeMux
	srv  *httptest.Server
	bulk atomic.Int32

	mu      sync.Mutex
	batches [][]string
}

// newFakeProviders serves the IVR bulk endpoint from known and lets tests
// register the single and twitchemotes endpoints themselves.
func newFakeProviders(t *testing.T, known map[string]string) *fakeProviders {
	t.Helper()
	f := &fakeProviders{mux: http.NewServeMux()}
	f.mux.HandleFunc("/v2/twitch/emotes/sets", func(w http.ResponseWriter, r *http.Request) {
		f.bulk.Add(1)
		ids := strings.Split(r.URL.Query().Get("set_id"), ",")
		f.mu.Lock()
		f.batches = append(f.batches, ids)
		f.mu.Unlock()

		var parts []string
		for _, id := range ids {
			if body, ok := known[id]; ok {
				parts = append(parts, body)
			}
		}
		_, _ = fmt.Fprintf(w, "[%s]", strings.Join(parts, ","))
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProviders) resolver(chunk int, m *Metrics) *Resolver {
	return NewResolver(Options{
		Client:              upstream.New(upstream.Options{HTTPClient: f.srv.Client()}),
		IVRBaseURL:          f.srv.URL,
		TwitchEmotesBaseURL: f.srv.URL,
		ChunkSize:           chunk,
		Metrics:             m,
	})
}

func bulkBody(id, login, channelID, tier string) string {
	return fmt.Sprintf(`{"setID":%q,"channelLogin":%s,"channelID":%s,"tier":%s,"emoteList":[{"code":"Kappa","id":"25","type":"GLOBALS","assetType":"STATIC"}]}`,
		id, jsonOrNull(login), jsonOrNull(channelID), jsonOrNull(tier))
}

func jsonOrNull(s string) string {
	if s == "" {
		return "null"
	}
	return fmt.Sprintf("%q", s)
}

func TestResolveOneFromBulk(t *testing.T) {
	f := newFakeProviders(t, map[string]string{
		"300": bulkBody("300", "forsen", "22484632", "2"),
	})
	r := f.resolver(0, nil)

	set := r.ResolveOne(context.Background(), "300")
	assert.Equal(t, core.EmoteSet{
		SetID:       "300",
		ChannelName: "forsen",
		ChannelID:   "22484632",
		Tier:        2,
		Emotes:      []core.Emote{{Code: "Kappa", ID: "25", Type: "GLOBALS", AssetType: "STATIC"}},
	}, set)
}

func TestResolveOneNormalizesPlatformSets(t *testing.T) {
	f := newFakeProviders(t, map[string]string{
		"0":  bulkBody("0", "", "", ""),
		"19": bulkBody("19", partnerPlaceholder, "", "abc"),
	})
	r := f.resolver(0, nil)

	for _, id := range []string{"0", "19"} {
		set := r.ResolveOne(context.Background(), id)
		assert.Equal(t, core.PlatformChannel, set.ChannelName, id)
		assert.Equal(t, core.UnknownChannelID, set.ChannelID, id)
		assert.Equal(t, core.DefaultTier, set.Tier, id)
	}
}

func TestResolveOneFallsBackToSingleEndpoint(t *testing.T) {
	f := newFakeProviders(t, nil)
	f.mux.HandleFunc("/twitch/emoteset/777", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"channel":"pajlada","channelid":"11148817","tier":"3","emotes":[{"token":"pajaW","id":"80481"}]}`))
	})
	r := f.resolver(0, nil)

	set := r.ResolveOne(context.Background(), "777")
	assert.Equal(t, "777", set.SetID)
	assert.Equal(t, "pajlada", set.ChannelName)
	assert.Equal(t, "11148817", set.ChannelID)
	assert.Equal(t, 3, set.Tier)
	assert.Equal(t, []core.Emote{{Code: "pajaW", ID: "80481"}}, set.Emotes)
	assert.False(t, set.Placeholder)
	assert.EqualValues(t, 1, f.bulk.Load())
}

func TestResolveOneFallsBackToTwitchEmotes(t *testing.T) {
	f := newFakeProviders(t, nil)
	f.mux.HandleFunc("/twitch/emoteset/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	})
	f.mux.HandleFunc("/api/v4/sets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "555", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`[{"set_id":"555","channel_name":"nymn","channel_id":"62300805","tier":1},{"set_id":"x","channel_name":"other","channel_id":"1","tier":3}]`))
	})
	r := f.resolver(0, nil)

	set := r.ResolveOne(context.Background(), "555")
	assert.Equal(t, "nymn", set.ChannelName)
	assert.Equal(t, "62300805", set.ChannelID)
	assert.Equal(t, 1, set.Tier)
	assert.Equal(t, []core.Emote{}, set.Emotes)
}

func TestResolveOnePlaceholderWhenNothingKnowsSet(t *testing.T) {
	f := newFakeProviders(t, nil)
	f.mux.HandleFunc("/api/v4/sets", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := f.resolver(0, m)

	set := r.ResolveOne(context.Background(), "999")
	assert.Equal(t, core.EmptySet("999"), set)
	assert.True(t, set.Placeholder)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("placeholder")))
}

func TestResolveManyChunksAndOmitsUnknown(t *testing.T) {
	known := make(map[string]string)
	var ids []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprint(100 + i)
		ids = append(ids, id)
		if i != 3 {
			known[id] = bulkBody(id, "chan"+id, id, "1")
		}
	}
	f := newFakeProviders(t, known)
	r := f.resolver(3, nil)

	got := r.ResolveMany(context.Background(), append(ids, "100", " "))
	require.Len(t, got, 6)
	_, ok := got["103"]
	assert.False(t, ok)
	assert.Equal(t, "chan105", got["105"].ChannelName)

	assert.EqualValues(t, 3, f.bulk.Load())
	f.mu.Lock()
	defer f.mu.Unlock()
	var sizes []int
	for _, b := range f.batches {
		sizes = append(sizes, len(b))
	}
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 3, 3}, sizes)
}

func TestResolveManyMatchesResolveOne(t *testing.T) {
	known := make(map[string]string)
	var ids []string
	for i := 0; i < 120; i++ {
		id := strconv.Itoa(1000 + i)
		ids = append(ids, id)
		switch {
		case i%7 == 0:
			// nobody knows it
		case i%5 == 0:
			known[id] = bulkBody(id, partnerPlaceholder, "", "")
		default:
			known[id] = bulkBody(id, "chan"+id, strconv.Itoa(90000+i), strconv.Itoa(1+i%3))
		}
	}
	f := newFakeProviders(t, known)
	r := f.resolver(0, nil)
	ctx := context.Background()

	many := r.ResolveMany(ctx, ids)
	f.mu.Lock()
	require.Len(t, f.batches, 3)
	for _, b := range f.batches {
		assert.LessOrEqual(t, len(b), DefaultChunkSize)
	}
	f.mu.Unlock()
	assert.Len(t, many, len(known))

	one := make(map[string]core.EmoteSet)
	for _, id := range ids {
		set := r.ResolveOne(ctx, id)
		if set.Placeholder {
			continue
		}
		one[id] = set
	}
	assert.Equal(t, one, many)
}

func TestResolveManyFailedChunkIsOmitted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/twitch/emotes/sets", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("set_id"), "bad") {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[` + bulkBody("a", "x", "1", "1") + `]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewResolver(Options{
		Client:     upstream.New(upstream.Options{HTTPClient: srv.Client()}),
		IVRBaseURL: srv.URL,
		ChunkSize:  1,
	})
	got := r.ResolveMany(context.Background(), []string{"a", "bad"})
	assert.Len(t, got, 1)
	assert.Contains(t, got, "a")
}

func TestResolveManyEmpty(t *testing.T) {
	r := NewResolver(Options{IVRBaseURL: "http://127.0.0.1:1"})
	assert.Empty(t, r.ResolveMany(context.Background(), nil))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk(nil, 50))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, Chunk([]string{"a", "b", "c"}, 2))
	ids := make([]string, 120)
	chunks := Chunk(ids, 0)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], DefaultChunkSize)
	assert.Len(t, chunks[2], 20)
}

func TestParseTier(t *testing.T) {
	cases := map[looseString]int{
		"":    1,
		"1":   1,
		"2":   2,
		" 3 ": 3,
		"0":   1,
		"-2":  1,
		"abc": 1,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseTier(in), "tier %q", in)
	}
}

func TestLooseStringAcceptsNumbers(t *testing.T) {
	var dto twitchEmotesSet
	require.NoError(t, dto.SetID.UnmarshalJSON([]byte(`42`)))
	require.NoError(t, dto.ChannelID.UnmarshalJSON([]byte(`null`)))
	require.NoError(t, dto.Tier.UnmarshalJSON([]byte(`"2"`)))
	assert.Equal(t, looseString("42"), dto.SetID)
	assert.Equal(t, looseString(""), dto.ChannelID)
	assert.Equal(t, 2, parseTier(dto.Tier))
	assert.Error(t, dto.SetID.UnmarshalJSON([]byte(`{`)))
}
