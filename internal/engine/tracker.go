package engine

import (
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/webrequestd/webrequestd/internal/store"
)

// defaultBPSWindow bounds the per-domain throughput ring: only the most
// recent samples count toward the bytes-per-second estimate.
const defaultBPSWindow = 25

// domainHeader keys per-pair delivery state within a tick.
type domainHeader struct {
	domainID int64
	headerID int64
}

// bpsSample is one observed transfer: when it finished and how many body
// bytes it moved.
type bpsSample struct {
	at    time.Time
	bytes int64
}

// Tracker answers "which queued request may run right now?" within a single
// tick. It holds the delivery-status snapshot taken at tick start, the set
// of (domain, header) pairs already decided this tick, and a throughput ring
// per domain for bandwidth budgeting. A fresh Tracker is built every tick;
// nothing here outlives it.
type Tracker struct {
	policies map[int64]store.DomainPolicy
	status   map[domainHeader]store.Status
	changed  map[domainHeader]bool
	rings    map[int64][]bpsSample
	ringCap  int
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable for testing
	intN     func(n int) int  // injectable for deterministic picks
}

// NewTracker builds the tick view from the stored delivery snapshot and the
// domain policies in force.
func NewTracker(snapshot []store.DomainStatusRow, policies map[int64]store.DomainPolicy, logger *slog.Logger) *Tracker {
	status := make(map[domainHeader]store.Status, len(snapshot))
	for _, row := range snapshot {
		status[domainHeader{row.DomainID, row.HeaderID}] = row.Status
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		policies: policies,
		status:   status,
		changed:  make(map[domainHeader]bool),
		rings:    make(map[int64][]bpsSample),
		ringCap:  defaultBPSWindow,
		logger:   logger,
		nowFunc:  time.Now,
		intN:     rand.Intn,
	}
}

// PickRequest selects one runnable candidate uniformly at random and returns
// its index. A candidate is runnable when its domain is under its bandwidth
// budget and its (domain, header) pair has either delivered before or has
// not yet been decided this tick. ok is false when nothing is runnable.
func (t *Tracker) PickRequest(candidates []store.QueuedRequest) (idx int, ok bool) {
	underBudget := make(map[int64]bool, len(t.rings))

	eligible := make([]int, 0, len(candidates))
	for i, req := range candidates {
		allowed, seen := underBudget[req.DomainID]
		if !seen {
			allowed = t.domainUnderBudget(req.DomainID)
			underBudget[req.DomainID] = allowed
		}

		if !allowed {
			continue
		}

		if !t.pairRunnable(domainHeader{req.DomainID, req.HeaderID}) {
			continue
		}

		eligible = append(eligible, i)
	}

	if len(eligible) == 0 {
		return 0, false
	}

	return eligible[t.intN(len(eligible))], true
}

// pairRunnable reports whether a (domain, header) pair may still be
// attempted: pairs that have delivered stay runnable, pairs that failed
// within this tick are parked until the next one.
func (t *Tracker) pairRunnable(key domainHeader) bool {
	if t.status[key] == store.StatusSatisfied {
		return true
	}

	return !t.changed[key]
}

// domainUnderBudget reports whether the domain may transfer more bytes
// right now. Domains without a policy row or without a bps limit are never
// throttled.
func (t *Tracker) domainUnderBudget(domainID int64) bool {
	policy, ok := t.policies[domainID]
	if !ok || policy.BPSLimit <= 0 {
		return true
	}

	bps := t.currentBPS(domainID)
	if bps < float64(policy.BPSLimit) {
		return true
	}

	t.logger.Debug("domain over bandwidth budget",
		slog.Int64("domain_id", domainID),
		slog.Float64("bps", bps),
		slog.Int64("limit", policy.BPSLimit),
	)

	return false
}

// currentBPS estimates the domain's present throughput from its sample
// ring. An empty ring reads as zero; a ring whose samples all share one
// instant reads as infinite, blocking the domain until wall time advances.
func (t *Tracker) currentBPS(domainID int64) float64 {
	ring := t.rings[domainID]
	if len(ring) == 0 {
		return 0
	}

	var total int64
	for _, sample := range ring {
		total += sample.bytes
	}

	span := t.nowFunc().Sub(ring[0].at).Seconds()
	if span <= 0 {
		return math.Inf(1)
	}

	return float64(total) / span
}

// RecordBytes appends one transfer sample to the domain's throughput ring,
// dropping the oldest sample once the ring is full.
func (t *Tracker) RecordBytes(domainID, n int64) {
	ring := append(t.rings[domainID], bpsSample{at: t.nowFunc(), bytes: n})
	if len(ring) > t.ringCap {
		ring = ring[len(ring)-t.ringCap:]
	}

	t.rings[domainID] = ring
}

// RecordOutcome marks the (domain, header) pair decided for this tick:
// satisfied pairs remain pickable, failed pairs are parked.
func (t *Tracker) RecordOutcome(domainID, headerID int64, valid bool) {
	key := domainHeader{domainID, headerID}

	if valid {
		t.status[key] = store.StatusSatisfied
	} else {
		t.status[key] = store.StatusFailed
	}

	t.changed[key] = true
}
