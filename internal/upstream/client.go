// Package upstream wraps outbound HTTP calls to third-party providers. Every
// failure (transport, timeout, non-2xx, undecodable body, open breaker) comes
// back as an Absent result; nothing here returns an error to the caller and
// nothing here retries.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/you/dankchat-api/internal/logging"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "dankchat-api/1.7"
	maxBodyBytes     = 8 << 20
)

// Request describes one GET against a named provider.
type Request struct {
	Provider string
	URL      string
	Header   http.Header
}

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Metrics    *Metrics

	// BreakerFailures consecutive transport/5xx failures open a provider's breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker rejects calls before probing.
	BreakerCooldown time.Duration
}

type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	metrics   *Metrics

	breakerFailures uint32
	breakerCooldown time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[response]

	group singleflight.Group
}

type response struct {
	body   []byte
	status int
}

// StatusError is produced for non-2xx answers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func New(opts Options) *Client {
	c := &Client{
		http:            opts.HTTPClient,
		timeout:         opts.Timeout,
		userAgent:       strings.TrimSpace(opts.UserAgent),
		metrics:         opts.Metrics,
		breakerFailures: opts.BreakerFailures,
		breakerCooldown: opts.BreakerCooldown,
		breakers:        make(map[string]*gobreaker.CircuitBreaker[response]),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.breakerFailures == 0 {
		c.breakerFailures = 5
	}
	if c.breakerCooldown <= 0 {
		c.breakerCooldown = 30 * time.Second
	}
	return c
}

// Fetch performs req and decodes a 2xx JSON body into T.
func Fetch[T any](ctx context.Context, c *Client, req Request) Result[T] {
	resp, err := c.get(ctx, req)
	if err != nil {
		reason, status := classify(err)
		c.logAbsent(req, reason, status, err)
		res := Absent[T](reason)
		res.status = status
		return res
	}

	var out T
	if err := json.Unmarshal(resp.body, &out); err != nil {
		c.metrics.incDecodeFailure(req.Provider)
		c.logAbsent(req, ReasonDecode, resp.status, err)
		res := Absent[T](ReasonDecode)
		res.status = resp.status
		return res
	}
	res := Found(out)
	res.status = resp.status
	return res
}

// get coalesces identical concurrent requests. The shared call is detached
// from any single caller's cancellation; each caller still stops waiting when
// its own context ends.
func (c *Client) get(ctx context.Context, req Request) (response, error) {
	key := req.Provider + " " + req.URL
	ch := c.group.DoChan(key, func() (any, error) {
		return c.execute(context.WithoutCancel(ctx), req)
	})

	select {
	case <-ctx.Done():
		return response{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.incCoalesced(req.Provider)
		}
		resp, _ := res.Val.(response)
		return resp, res.Err
	}
}

func (c *Client) execute(ctx context.Context, req Request) (response, error) {
	cb := c.breaker(req.Provider)
	start := time.Now()
	resp, err := cb.Execute(func() (response, error) {
		return c.roundTrip(ctx, req)
	})
	reason, _ := classify(err)
	c.metrics.observe(req.Provider, reason, time.Since(start))
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, req Request) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return response{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{status: resp.StatusCode}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _, _ := strings.Cut(string(body), "\n")
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return response{status: resp.StatusCode}, &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return response{body: body, status: resp.StatusCode}, nil
}

func (c *Client) breaker(provider string) *gobreaker.CircuitBreaker[response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	failures := c.breakerFailures
	cb := gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors mean the upstream is healthy and simply has nothing for us.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.setBreaker(name, to)
			logging.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("upstream: circuit breaker state changed")
		},
	})
	c.breakers[provider] = cb
	c.metrics.setBreaker(provider, gobreaker.StateClosed)
	return cb
}

func classify(err error) (Reason, int) {
	if err == nil {
		return ReasonNone, 0
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ReasonBreakerOpen, 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		return ReasonStatus, se.Code
	}
	return ReasonTransport, 0
}

func (c *Client) logAbsent(req Request, reason Reason, status int, err error) {
	event := logging.Warn()
	if status == http.StatusNotFound {
		event = logging.Debug()
	}
	event.
		Str("provider", req.Provider).
		Str("url", redactURL(req.URL)).
		Str("reason", string(reason)).
		Int("status", status).
		Err(err).
		Msg("upstream: request absent")
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// Join appends path segments to base, escaping each segment.
func Join(base string, segments ...string) string {
	out := strings.TrimRight(base, "/")
	for _, s := range segments {
		out += "/" + url.PathEscape(s)
	}
	return out
}

// WithQuery attaches q to rawURL.
func WithQuery(rawURL string, q url.Values) string {
	if len(q) == 0 {
		return rawURL
	}
	return rawURL + "?" + q.Encode()
}
