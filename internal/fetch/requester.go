package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/webrequestd/webrequestd/internal/proxy"
)

// Transport attempt budget per fetch: transient failures are swallowed up to
// this many times before the attempt reports "no response".
const (
	transportAttempts = 3
	defaultUserAgent  = "webrequestd/0.1"
)

// ProxySelector supplies ranked proxy candidates for a target protocol and
// accepts latency feedback. Implemented by *proxy.Pool.
type ProxySelector interface {
	Candidates(ctx context.Context, protocol string) []proxy.Candidate
	SetDelay(c proxy.Candidate, d time.Duration)
	MarkUnknown(c proxy.Candidate)
}

// Spec describes one fetch: the target, the header set to send, the status
// codes that satisfy the caller, the per-attempt timeout, and whether the
// fetch must go through a proxy.
type Spec struct {
	URL        string
	Header     map[string]string
	Accepted   map[int]bool
	Timeout    time.Duration
	ForceProxy bool
}

// Result is one obtained HTTP response. Valid reports whether its status
// code is in the accepted set. Elapsed covers the winning attempt including
// the body read.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Valid      bool
}

// Requester performs single fetch attempts. Transport-level failures never
// escape it: an exhausted attempt budget yields a nil Result with nil error,
// and the caller treats that as "no response". Errors are reserved for
// non-transient conditions (bad input, canceled context).
type Requester struct {
	transport http.RoundTripper
	proxies   ProxySelector
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable for deterministic tests
}

// Config configures New. Zero values get working defaults; Proxies and
// Limiter may stay nil (no proxy support, no pacing).
type Config struct {
	Transport http.RoundTripper
	Proxies   ProxySelector
	Limiter   *rate.Limiter
	UserAgent string
	Logger    *slog.Logger
}

// New creates a Requester.
func New(cfg Config) *Requester {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Requester{
		transport: transport,
		proxies:   cfg.Proxies,
		limiter:   cfg.Limiter,
		userAgent: userAgent,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Do executes one fetch per the spec. A nil Result with nil error means no
// response could be obtained; the caller decides what that implies.
func (r *Requester) Do(ctx context.Context, spec Spec) (*Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch: waiting for pacing limiter: %w", err)
		}
	}

	if spec.ForceProxy {
		return r.viaProxies(ctx, spec)
	}

	return r.attempt(ctx, spec, nil)
}

// viaProxies walks proxy candidates in ascending-latency order until one
// yields a satisfying response. Every obtained response feeds its measured
// latency back into the pool; transport failures mark the candidate's
// latency unknown and move on.
func (r *Requester) viaProxies(ctx context.Context, spec Spec) (*Result, error) {
	if r.proxies == nil {
		r.logger.Warn("proxy fetch requested but no proxy pool configured",
			slog.String("url", spec.URL))
		return nil, nil
	}

	target, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parsing url %q: %w", spec.URL, err)
	}

	for _, cand := range r.proxies.Candidates(ctx, target.Scheme) {
		res, err := r.attempt(ctx, spec, cand.URL())
		if err != nil {
			return nil, err
		}

		if res == nil {
			r.proxies.MarkUnknown(cand)
			r.logger.Debug("proxy unreachable",
				slog.String("proxy", cand.Addr()),
				slog.String("url", spec.URL),
			)

			continue
		}

		r.proxies.SetDelay(cand, res.Elapsed)

		if res.Valid {
			return res, nil
		}
	}

	return nil, nil
}

// attempt runs the bounded transport loop: up to transportAttempts tries,
// swallowing transient errors, stopping at the first obtained response.
func (r *Requester) attempt(ctx context.Context, spec Spec, proxyURL *url.URL) (*Result, error) {
	client := r.clientFor(spec, proxyURL)

	if transport, ok := client.Transport.(*http.Transport); ok && proxyURL != nil {
		defer transport.CloseIdleConnections()
	}

	for i := 0; i < transportAttempts; i++ {
		res, err := r.doOnce(ctx, client, spec)
		if err == nil {
			return res, nil
		}

		// Caller cancellation is not retryable.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch: request canceled: %w", ctx.Err())
		}

		if !isTransient(err) {
			return nil, fmt.Errorf("fetch: %s: %w", spec.URL, err)
		}

		r.logger.Debug("transient fetch failure",
			slog.String("url", spec.URL),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Warn("no response after transport attempts",
		slog.String("url", spec.URL),
		slog.Int("attempts", transportAttempts),
	)

	return nil, nil
}

// doOnce performs a single GET bounded by the spec timeout.
func (r *Requester) doOnce(ctx context.Context, client *http.Client, spec Spec) (*Result, error) {
	attemptCtx := ctx

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", r.userAgent)

	for k, v := range spec.Header {
		req.Header.Set(k, v)
	}

	start := r.nowFunc()

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    r.nowFunc().Sub(start),
		Valid:      spec.Accepted[resp.StatusCode],
	}, nil
}

// clientFor assembles the http.Client for one fetch: the shared transport
// for direct fetches, a per-candidate proxied transport otherwise, and a
// redirect policy derived from the accepted set. Redirects are followed
// unless the caller declared 301 itself acceptable.
func (r *Requester) clientFor(spec Spec, proxyURL *url.URL) *http.Client {
	client := &http.Client{Transport: r.transport}

	if proxyURL != nil {
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	if spec.Accepted[http.StatusMovedPermanently] {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return client
}
