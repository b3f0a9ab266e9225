// Package proxy maintains a latency-ranked pool of HTTP proxy endpoints.
//
// A Pool wraps a Source and refreshes itself when its endpoint list grows
// older than a TTL. Observed latencies survive refreshes for endpoints that
// remain in the source, so the ranking improves as the pool is used.
package proxy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultMaxAge is how long a fetched endpoint list stays fresh.
const DefaultMaxAge = 5 * time.Minute

// Candidate is an endpoint together with its observed latency. DelayKnown
// is false until a fetch through the endpoint has been timed.
type Candidate struct {
	Endpoint
	Delay      time.Duration
	DelayKnown bool
}

type latency struct {
	delay time.Duration
	known bool
}

// Pool ranks proxy endpoints by observed latency. All methods are safe for
// concurrent use.
type Pool struct {
	source  Source
	maxAge  time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time

	mu         sync.Mutex
	entries    map[Endpoint]latency
	lastUpdate time.Time
	fetched    bool
}

// Options configures a Pool.
type Options struct {
	// MaxAge is the endpoint list TTL. Zero means DefaultMaxAge.
	MaxAge time.Duration

	// Logger receives refresh diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// New creates a Pool over the given source. The pool is empty until the
// first Update or Candidates call.
func New(source Source, opts Options) *Pool {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		source:  source,
		maxAge:  maxAge,
		logger:  logger,
		nowFunc: time.Now,
		entries: map[Endpoint]latency{},
	}
}

// Update refreshes the endpoint list from the source if it has never been
// fetched, is older than the TTL, or force is set. Latencies carry over for
// endpoints still present in the new list. On source failure the previous
// list is kept.
func (p *Pool) Update(ctx context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.updateLocked(ctx, force)
}

func (p *Pool) updateLocked(ctx context.Context, force bool) error {
	if p.fetched && !force && p.nowFunc().Sub(p.lastUpdate) <= p.maxAge {
		return nil
	}

	endpoints, err := p.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("proxy: refreshing endpoint list: %w", err)
	}

	next := make(map[Endpoint]latency, len(endpoints))
	carried := 0

	for _, ep := range endpoints {
		if _, dup := next[ep]; dup {
			continue
		}

		if old, ok := p.entries[ep]; ok && old.known {
			next[ep] = old
			carried++
		} else {
			next[ep] = latency{}
		}
	}

	p.entries = next
	p.lastUpdate = p.nowFunc()
	p.fetched = true

	p.logger.Debug("proxy pool refreshed",
		slog.Int("endpoints", len(next)),
		slog.Int("carried_latencies", carried),
	)

	return nil
}

// Candidates returns the endpoints able to carry the given protocol,
// ordered by ascending observed latency with unmeasured endpoints last.
// The pool refreshes itself first if the list is stale; on refresh failure
// the stale list is served.
func (p *Pool) Candidates(ctx context.Context, protocol string) []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.updateLocked(ctx, false); err != nil {
		p.logger.Warn("proxy pool refresh failed, serving stale list",
			slog.String("error", err.Error()))
	}

	var out []Candidate

	for ep, lat := range p.entries {
		if ep.Protocol != protocol {
			continue
		}

		out = append(out, Candidate{Endpoint: ep, Delay: lat.delay, DelayKnown: lat.known})
	}

	slices.SortFunc(out, compareCandidates)

	return out
}

// compareCandidates orders measured latencies ascending, unmeasured last,
// with the address as a deterministic tie-break.
func compareCandidates(a, b Candidate) int {
	switch {
	case a.DelayKnown && !b.DelayKnown:
		return -1
	case !a.DelayKnown && b.DelayKnown:
		return 1
	case a.DelayKnown && b.DelayKnown && a.Delay != b.Delay:
		return cmp.Compare(a.Delay, b.Delay)
	}

	return strings.Compare(a.Addr(), b.Addr())
}

// SetDelay records an observed round-trip latency for the endpoint.
// Endpoints no longer in the pool are ignored.
func (p *Pool) SetDelay(c Candidate, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[c.Endpoint]; ok {
		p.entries[c.Endpoint] = latency{delay: d, known: true}
	}
}

// MarkUnknown clears the endpoint's latency after a transport failure, so
// it sorts behind every measured endpoint.
func (p *Pool) MarkUnknown(c Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[c.Endpoint]; ok {
		p.entries[c.Endpoint] = latency{}
	}
}

// Len reports the number of endpoints currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}
