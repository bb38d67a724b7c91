package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/dankchat-api/internal/badges"
	"github.com/you/dankchat-api/internal/cache"
	"github.com/you/dankchat-api/internal/config"
	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/donations"
	"github.com/you/dankchat-api/internal/emotesets"
	"github.com/you/dankchat-api/internal/listwatch"
	"github.com/you/dankchat-api/internal/logging"
	"github.com/you/dankchat-api/internal/store"
	"github.com/you/dankchat-api/internal/upstream"
)

// app holds the components shared by serve and reconcile.
type app struct {
	cfg    config.Config
	store  *store.SQLiteStore
	client *upstream.Client
	badges *badges.State
	lists  *listwatch.Watcher
	engine *donations.Engine
}

// newApp opens the store and loads every list file once, so opt-outs are in
// place before the first reconciliation. reg may be nil.
func newApp(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*app, error) {
	logging.Info().RawJSON("config", cfg.SummaryJSON()).Msg("dankchat-api: configuration")

	st, err := store.OpenSQLite(ctx, cfg.Database.Path, cfg.Database.Tuning)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := upstream.New(upstream.Options{
		Timeout:   cfg.Upstream.Timeout,
		UserAgent: cfg.Upstream.UserAgent,
		Metrics:   upstream.NewMetrics(reg),
	})

	state := badges.New(badges.Options{
		IconBaseURL:  cfg.Badges.IconBaseURL,
		DeveloperIDs: cfg.Badges.DeveloperIDs,
		Supporters:   st,
		Metrics:      badges.NewMetrics(reg),
	})

	lists := listwatch.New([]listwatch.File{
		listFile(state, badges.ListTop, cfg.Badges.TopFile),
		listFile(state, badges.ListContributors, cfg.Badges.ContributorsFile),
		listFile(state, badges.ListManual, cfg.Badges.ManualFile),
		listFile(state, badges.ListOptOut, cfg.Badges.OptOutFile),
	}, listwatch.Options{})
	if err := lists.LoadAll(); err != nil {
		// A list that fails to parse stays empty until its next good write.
		logging.Warn().Err(err).Msg("dankchat-api: initial list load incomplete")
	}

	engine := donations.NewEngine(donations.Options{
		Client:     client,
		SEBaseURL:  cfg.StreamElements.BaseURL,
		IVRBaseURL: cfg.IVR.BaseURL,
		Token:      cfg.StreamElements.Token,
		ChannelID:  cfg.StreamElements.ChannelID,
		PageSize:   cfg.Donations.PageSize,
		Store:      st,
		OptOuts:    state,
		Metrics:    donations.NewMetrics(reg),
	})

	return &app{
		cfg:    cfg,
		store:  st,
		client: client,
		badges: state,
		lists:  lists,
		engine: engine,
	}, nil
}

func listFile(state *badges.State, name, path string) listwatch.File {
	return listwatch.File{
		Name: name,
		Path: path,
		Handle: func(data []byte) error {
			return state.Apply(name, data)
		},
	}
}

// emoteSetCache puts the resolver behind the refreshing cache shared by
// /set and /sets.
func (a *app) emoteSetCache(reg prometheus.Registerer) *cache.Cache[string, core.EmoteSet] {
	resolver := emotesets.NewResolver(emotesets.Options{
		Client:              a.client,
		IVRBaseURL:          a.cfg.IVR.BaseURL,
		TwitchEmotesBaseURL: a.cfg.TwitchEmotes.BaseURL,
		ChunkSize:           a.cfg.EmoteSets.ChunkSize,
		MaxConcurrentChunks: 8,
		Metrics:             emotesets.NewMetrics(reg),
	})
	return cache.New[string, core.EmoteSet](resolver, cache.Options{
		Name:            "emotesets",
		RefreshAfter:    a.cfg.Cache.RefreshInterval,
		IdleExpiry:      a.cfg.Cache.IdleExpiry,
		CleanupInterval: a.cfg.Cache.CleanupInterval,
		Metrics:         cache.NewMetrics(reg),
	})
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Error().Err(err).Msg("dankchat-api: close store")
	}
}
