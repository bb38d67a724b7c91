package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/dankchat-api/internal/donations"
	"github.com/you/dankchat-api/internal/emotesets"
	"github.com/you/dankchat-api/internal/store"
	"github.com/you/dankchat-api/internal/upstream"
)

func TestEmittedDonationIsReconciled(t *testing.T) {
	srv := httptest.NewServer(newRouter(newFixtures()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/emit", "application/json",
		strings.NewReader(`{"username":"NymN","channel":"se-nymn","twitch_id":"62300805"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "dev.db"), false)
	require.NoError(t, err)
	defer st.Close()

	engine := donations.NewEngine(donations.Options{
		Client:     upstream.New(upstream.Options{}),
		SEBaseURL:  srv.URL,
		IVRBaseURL: srv.URL,
		Token:      "dev",
		ChannelID:  "5b144fc91a5cbe3a3a920871",
		Store:      st,
	})
	report, err := engine.Run(ctx, "test")
	require.NoError(t, err)
	require.Len(t, report.Inserted, 1)
	assert.Equal(t, "62300805", report.Inserted[0].PlatformUserID)
	assert.Equal(t, "nymn", report.Inserted[0].DisplayName)
}

func TestEmitValidatesBody(t *testing.T) {
	srv := httptest.NewServer(newRouter(newFixtures()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/emit", "application/json", strings.NewReader(`{"username":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFixtureSetsResolve(t *testing.T) {
	srv := httptest.NewServer(newRouter(newFixtures()))
	defer srv.Close()

	r := emotesets.NewResolver(emotesets.Options{IVRBaseURL: srv.URL, TwitchEmotesBaseURL: srv.URL})
	got := r.ResolveMany(context.Background(), []string{"0", "19194", "404"})
	require.Len(t, got, 2)
	assert.Equal(t, "Twitch", got["0"].ChannelName)
	assert.Equal(t, "forsen", got["19194"].ChannelName)
	assert.Len(t, got["0"].Emotes, 2)

	one := r.ResolveOne(context.Background(), "477339")
	assert.Equal(t, 2, one.Tier)
	assert.False(t, one.Placeholder)
}
