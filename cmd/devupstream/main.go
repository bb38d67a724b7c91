// Command devupstream fakes the IVR and StreamElements endpoints used by
// dankchat-api so the service can run locally without credentials.
//
//	devupstream --addr :8765
//	DANKCHAT_IVR__BASE_URL=http://localhost:8765 \
//	DANKCHAT_STREAMELEMENTS__BASE_URL=http://localhost:8765 \
//	DANKCHAT_STREAMELEMENTS__TOKEN=dev dankchat-api serve
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/you/dankchat-api/internal/logging"
)

type emitReq struct {
	Username string  `json:"username"`
	Channel  string  `json:"channel,omitempty"`
	TwitchID string  `json:"twitch_id"`
	Amount   float64 `json:"amount,omitempty"`
}

type tip struct {
	Username string
	Channel  string
	Amount   float64
}

type emote struct {
	Code string `json:"code"`
	ID   string `json:"id"`
}

type emoteSet struct {
	ID        string
	Channel   string
	ChannelID string
	Tier      string
	Emotes    []emote
}

// fixtures is the in-memory state behind every fake endpoint.
type fixtures struct {
	mu       sync.RWMutex
	tips     []tip
	channels map[string]string // SE channel id -> twitch id
	users    map[string]string // login -> twitch id
	sets     map[string]emoteSet
}

func newFixtures() *fixtures {
	return &fixtures{
		channels: map[string]string{"5b144fc91a5cbe3a3a920871": "73697410"},
		users:    map[string]string{"flex3rs": "73697410", "forsen": "22484632"},
		sets: map[string]emoteSet{
			"0":      {ID: "0", Channel: "qa_TW_Partner", ChannelID: "0", Tier: "1", Emotes: []emote{{Code: "Kappa", ID: "25"}, {Code: "PogChamp", ID: "305954156"}}},
			"19194":  {ID: "19194", Channel: "forsen", ChannelID: "22484632", Tier: "1", Emotes: []emote{{Code: "forsenE", ID: "300"}}},
			"477339": {ID: "477339", Channel: "forsen", ChannelID: "22484632", Tier: "2", Emotes: []emote{{Code: "forsenPls", ID: "301"}}},
		},
	}
}

func main() {
	var addr string
	cmd := &cobra.Command{
		Use:   "devupstream",
		Short: "Fake IVR and StreamElements upstreams for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: "debug", Format: "console"})
			srv := &http.Server{
				Addr:              addr,
				Handler:           newRouter(newFixtures()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logging.Info().Str("addr", addr).Msg("devupstream: listening")
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8765", "HTTP listen address")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRouter(f *fixtures) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Post("/emit", f.handleEmit)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// StreamElements
	r.Get("/kappa/v2/tips/{channel}", f.handleTips)
	r.Get("/kappa/v2/channels/{id}", f.handleChannel)

	// IVR
	r.Get("/v2/twitch/user/{login}", f.handleUser)
	r.Get("/v2/twitch/emotes/sets", f.handleBulkSets)
	r.Get("/twitch/emoteset/{id}", f.handleSingleSet)

	// twitchemotes
	r.Get("/api/v4/sets", f.handleTwitchEmotesSets)
	return r
}

func (f *fixtures) handleEmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req emitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.TwitchID = strings.TrimSpace(req.TwitchID)
	if req.Username == "" || req.TwitchID == "" {
		http.Error(w, "username, twitch_id required", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		req.Channel = strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	if req.Amount <= 0 {
		req.Amount = 5
	}

	f.mu.Lock()
	f.tips = append([]tip{{Username: req.Username, Channel: req.Channel, Amount: req.Amount}}, f.tips...)
	f.channels[req.Channel] = req.TwitchID
	f.users[req.Username] = req.TwitchID
	total := len(f.tips)
	f.mu.Unlock()

	logging.Info().Str("user", req.Username).Str("channel", req.Channel).Msg("devupstream: donation emitted")
	writeJSON(w, map[string]any{"ok": true, "channel": req.Channel, "total": total})
}

func (f *fixtures) handleTips(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := queryInt(r, "limit", 25)
	offset := queryInt(r, "offset", 0)

	f.mu.RLock()
	defer f.mu.RUnlock()
	docs := []map[string]any{}
	for i := offset; i < len(f.tips) && i < offset+limit; i++ {
		t := f.tips[i]
		docs = append(docs, map[string]any{
			"donation": map[string]any{
				"user":   map[string]string{"username": t.Username, "channel": t.Channel},
				"amount": t.Amount,
			},
		})
	}
	writeJSON(w, map[string]any{"docs": docs, "total": len(f.tips)})
}

func (f *fixtures) handleChannel(w http.ResponseWriter, r *http.Request) {
	f.mu.RLock()
	id, ok := f.channels[chi.URLParam(r, "id")]
	f.mu.RUnlock()
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"provider": "twitch", "providerId": id})
}

func (f *fixtures) handleUser(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))
	f.mu.RLock()
	id, ok := f.users[login]
	f.mu.RUnlock()
	if !ok {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, map[string]string{"id": id, "login": login})
}

func (f *fixtures) handleBulkSets(w http.ResponseWriter, r *http.Request) {
	out := []map[string]any{}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, id := range strings.Split(r.URL.Query().Get("set_id"), ",") {
		set, ok := f.sets[strings.TrimSpace(id)]
		if !ok {
			continue
		}
		emotes := make([]map[string]string, 0, len(set.Emotes))
		for _, e := range set.Emotes {
			emotes = append(emotes, map[string]string{"code": e.Code, "id": e.ID, "type": "subscriptions", "assetType": "static"})
		}
		out = append(out, map[string]any{
			"setID":        set.ID,
			"channelLogin": set.Channel,
			"channelID":    set.ChannelID,
			"tier":         set.Tier,
			"emoteList":    emotes,
		})
	}
	writeJSON(w, out)
}

func (f *fixtures) handleSingleSet(w http.ResponseWriter, r *http.Request) {
	f.mu.RLock()
	set, ok := f.sets[chi.URLParam(r, "id")]
	f.mu.RUnlock()
	if !ok {
		http.Error(w, "set not found", http.StatusNotFound)
		return
	}
	emotes := make([]map[string]string, 0, len(set.Emotes))
	for _, e := range set.Emotes {
		emotes = append(emotes, map[string]string{"token": e.Code, "id": e.ID})
	}
	writeJSON(w, map[string]any{
		"channel":   set.Channel,
		"channelid": set.ChannelID,
		"tier":      set.Tier,
		"emotes":    emotes,
	})
}

func (f *fixtures) handleTwitchEmotesSets(w http.ResponseWriter, r *http.Request) {
	f.mu.RLock()
	set, ok := f.sets[r.URL.Query().Get("id")]
	f.mu.RUnlock()
	if !ok {
		writeJSON(w, []any{})
		return
	}
	writeJSON(w, []map[string]string{{
		"set_id":       set.ID,
		"channel_name": set.Channel,
		"channel_id":   set.ChannelID,
		"tier":         set.Tier,
	}})
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
