// Package donations reconciles the StreamElements tip ledger with the
// persisted donor table.
//
// A run pages through the ledger, keeps the first tip per StreamElements
// channel, drops channels already stored, resolves each remaining channel to
// a Twitch user id (StreamElements channel lookup, then IVR by login), drops
// opted-out users and inserts the rest in one transaction. Upstream failures
// never fail a run; they shrink it, and the next run picks up what was lost.
package donations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/logging"
	"github.com/you/dankchat-api/internal/runtrace"
	"github.com/you/dankchat-api/internal/upstream"
)

const (
	DefaultPageSize = 100

	providerSE  = "streamelements"
	providerIVR = "ivr"

	identityProviderTwitch = "twitch"

	defaultResolveParallelism = 4
)

// Store is the persisted half of donor state.
type Store interface {
	SourceChannelIDs(ctx context.Context) (map[string]struct{}, error)
	InsertDonors(ctx context.Context, donors []core.Donor) ([]core.Donor, error)
}

// OptOuts reports Twitch user ids that must never be recorded.
type OptOuts interface {
	OptedOut(platformUserID string) bool
}

type Options struct {
	Client     *upstream.Client
	SEBaseURL  string
	IVRBaseURL string
	Token      string
	// ChannelID is the StreamElements channel whose tips are reconciled.
	ChannelID string
	PageSize  int
	// ResolveParallelism bounds concurrent identity lookups.
	ResolveParallelism int

	Store   Store
	OptOuts OptOuts
	Clock   clockwork.Clock
	Metrics *Metrics
}

type Engine struct {
	client    *upstream.Client
	se        string
	ivr       string
	token     string
	channelID string
	pageSize  int
	parallel  int
	store     Store
	optOuts   OptOuts
	clock     clockwork.Clock
	metrics   *Metrics

	runMu sync.Mutex
}

// Report summarizes one run.
type Report struct {
	RunID       string
	Pages       int
	FailedPages int
	Documents   int
	Candidates  int
	Inserted    []core.Donor
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		client:    opts.Client,
		se:        strings.TrimRight(opts.SEBaseURL, "/"),
		ivr:       strings.TrimRight(opts.IVRBaseURL, "/"),
		token:     opts.Token,
		channelID: opts.ChannelID,
		pageSize:  opts.PageSize,
		parallel:  opts.ResolveParallelism,
		store:     opts.Store,
		optOuts:   opts.OptOuts,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
	}
	if e.client == nil {
		e.client = upstream.New(upstream.Options{})
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	if e.parallel <= 0 {
		e.parallel = defaultResolveParallelism
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	return e
}

type candidate struct {
	channel  string
	username string
	userID   string
}

// Run performs one reconciliation. It only fails when the store does; a
// failed first ledger page yields an empty report. Runs are serialized.
func (e *Engine) Run(ctx context.Context, trigger string) (Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	trace := runtrace.New(e.channelID, trigger, e.clock.Now())
	report := Report{RunID: trace.RunID}
	defer func() {
		trace.LogTrace(nil, "reconcile: run finished", e.clock.Now())
	}()

	docs, ok := e.fetchLedger(ctx, trace)
	report.Pages = int(trace.Counter(runtrace.StagePageFetched))
	report.FailedPages = int(trace.Counter(runtrace.StagePageFailed))
	report.Documents = len(docs)
	if !ok {
		e.metrics.run(outcomeLedgerUnavailable, e.clock.Since(trace.StartedAt))
		return report, nil
	}

	known, err := e.store.SourceChannelIDs(ctx)
	if err != nil {
		e.metrics.run(outcomeStoreError, e.clock.Since(trace.StartedAt))
		return report, fmt.Errorf("reconcile: load known donors: %w", err)
	}

	candidates := dedupe(docs, known, trace)
	report.Candidates = len(candidates)
	resolved := e.resolveAll(ctx, candidates, trace)

	donors := make([]core.Donor, 0, len(resolved))
	now := e.clock.Now()
	for _, c := range resolved {
		if e.optOuts != nil && e.optOuts.OptedOut(c.userID) {
			trace.IncCounter(runtrace.StageOptedOut)
			logging.Info().Str("user", c.userID).Str("channel", c.channel).Msg("reconcile: donor opted out")
			continue
		}
		donors = append(donors, core.Donor{
			SourceChannelID: c.channel,
			PlatformUserID:  c.userID,
			DisplayName:     c.username,
			CreatedAt:       now,
		})
	}

	inserted, err := e.store.InsertDonors(ctx, donors)
	if err != nil {
		e.metrics.run(outcomeStoreError, e.clock.Since(trace.StartedAt))
		return report, fmt.Errorf("reconcile: persist donors: %w", err)
	}
	trace.Add(runtrace.StageInserted, int64(len(inserted)))
	trace.Add(runtrace.StageDuplicate, int64(len(donors)-len(inserted)))
	report.Inserted = inserted

	if len(inserted) > 0 {
		names := make([]string, 0, len(inserted))
		for _, d := range inserted {
			names = append(names, d.DisplayName)
		}
		logging.Info().Strs("donors", names).Str("run_id", trace.RunID).Msg("reconcile: new donations detected")
	}
	e.metrics.inserted(len(inserted))
	e.metrics.run(outcomeOK, e.clock.Since(trace.StartedAt))
	e.metrics.succeeded(e.clock.Now())
	return report, nil
}

// fetchLedger pages through the tip ledger in increasing offset order. The
// bound is re-read from every successful page.
func (e *Engine) fetchLedger(ctx context.Context, trace *runtrace.RunTrace) ([]tipDoc, bool) {
	res := e.fetchPage(ctx, 0)
	first, ok := res.Get()
	if !ok {
		trace.IncCounter(runtrace.StagePageFailed)
		logging.Warn().
			Str("run_id", trace.RunID).
			Str("reason", string(res.Reason())).
			Int("status", res.Status()).
			Msg("reconcile: first ledger page unavailable, skipping run")
		if res.Status() == http.StatusUnauthorized {
			logging.Error().Str("run_id", trace.RunID).Msg("reconcile: streamelements rejected the token")
		}
		return nil, false
	}
	trace.IncCounter(runtrace.StagePageFetched)
	docs := append([]tipDoc(nil), first.Docs...)
	total := first.total()

	for offset := 0; offset+e.pageSize <= total; {
		if ctx.Err() != nil {
			break
		}
		offset += e.pageSize
		res := e.fetchPage(ctx, offset)
		page, ok := res.Get()
		if !ok {
			trace.IncCounter(runtrace.StagePageFailed)
			logging.Warn().
				Str("run_id", trace.RunID).
				Int("offset", offset).
				Str("reason", string(res.Reason())).
				Int("status", res.Status()).
				Msg("reconcile: ledger page skipped")
			continue
		}
		trace.IncCounter(runtrace.StagePageFetched)
		docs = append(docs, page.Docs...)
		total = page.total()
	}
	trace.Add(runtrace.StageDocSeen, int64(len(docs)))
	return docs, true
}

func (e *Engine) fetchPage(ctx context.Context, offset int) upstream.Result[tipsPage] {
	endpoint := upstream.WithQuery(
		upstream.Join(e.se, "kappa", "v2", "tips", e.channelID),
		url.Values{
			"limit":  {strconv.Itoa(e.pageSize)},
			"offset": {strconv.Itoa(offset)},
		},
	)
	return upstream.Fetch[tipsPage](ctx, e.client, upstream.Request{
		Provider: providerSE,
		URL:      endpoint,
		Header:   e.authHeader(),
	})
}

// dedupe keeps the first document per channel and drops channels already
// persisted.
func dedupe(docs []tipDoc, known map[string]struct{}, trace *runtrace.RunTrace) []candidate {
	seen := make(map[string]struct{}, len(docs))
	var out []candidate
	for _, doc := range docs {
		user := doc.Donation.User
		channel := strings.TrimSpace(user.Channel)
		if channel == "" {
			trace.IncCounter(runtrace.StageDropped("blank_channel"))
			continue
		}
		if _, dup := seen[channel]; dup {
			continue
		}
		seen[channel] = struct{}{}
		if _, ok := known[channel]; ok {
			trace.IncCounter(runtrace.StageAlreadyKnown)
			continue
		}
		trace.IncCounter(runtrace.StageCandidate)
		out = append(out, candidate{channel: channel, username: strings.TrimSpace(user.Username)})
	}
	return out
}

// resolveAll looks up identities concurrently and returns the resolved
// candidates in ledger order.
func (e *Engine) resolveAll(ctx context.Context, candidates []candidate, trace *runtrace.RunTrace) []candidate {
	ids := make([]string, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, c := range candidates {
		g.Go(func() error {
			ids[i] = e.resolveIdentity(gctx, c, trace)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]candidate, 0, len(candidates))
	for i, c := range candidates {
		if ids[i] == "" {
			continue
		}
		c.userID = ids[i]
		out = append(out, c)
	}
	return out
}

func (e *Engine) resolveIdentity(ctx context.Context, c candidate, trace *runtrace.RunTrace) string {
	if id := e.identityByChannel(ctx, c.channel); id != "" {
		trace.IncCounter(runtrace.StageResolvedPrimary)
		return id
	}
	if id := e.identityByLogin(ctx, c.username); id != "" {
		trace.IncCounter(runtrace.StageResolvedFallback)
		return id
	}
	trace.IncCounter(runtrace.StageUnresolved)
	e.metrics.unresolved()
	logging.Error().
		Str("run_id", trace.RunID).
		Str("channel", c.channel).
		Str("user", c.username).
		Msg("reconcile: failed to resolve twitch id")
	return ""
}

func (e *Engine) identityByChannel(ctx context.Context, channel string) string {
	ch, ok := upstream.Fetch[seChannel](ctx, e.client, upstream.Request{
		Provider: providerSE,
		URL:      upstream.Join(e.se, "kappa", "v2", "channels", channel),
		Header:   e.authHeader(),
	}).Get()
	if !ok || ch.Provider != identityProviderTwitch {
		return ""
	}
	return strings.TrimSpace(ch.ProviderID)
}

func (e *Engine) identityByLogin(ctx context.Context, login string) string {
	if login == "" {
		return ""
	}
	user, ok := upstream.Fetch[ivrUser](ctx, e.client, upstream.Request{
		Provider: providerIVR,
		URL:      upstream.Join(e.ivr, "v2", "twitch", "user", login),
	}).Get()
	if !ok {
		return ""
	}
	return strings.TrimSpace(user.ID)
}

func (e *Engine) authHeader() http.Header {
	return http.Header{"Authorization": {"Bearer " + e.token}}
}
