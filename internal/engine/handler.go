// Package engine drives the request lifecycle: registering requests,
// assembling per-tick frames of work, executing them under per-domain
// bandwidth budgets with retry escalation, and pacing the steady-state
// loop that keeps doing so.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/webrequestd/webrequestd/internal/store"
)

// defaultPerDomainCap bounds how many requests of one domain enter a single
// tick frame.
const defaultPerDomainCap = 50

// defaultAcceptedStatus applies when a request is registered without an
// explicit accepted set.
var defaultAcceptedStatus = []int{http.StatusOK}

// frameOrchestrator drains one frame of queued requests. Implemented by
// *Orchestrator; mock implementations are used in tests.
type frameOrchestrator interface {
	Orchestrate(ctx context.Context, frame []store.QueuedRequest) (int, error)
}

// Handler exposes the request lifecycle operations: registering requests,
// serving stored responses, and executing ticks.
type Handler struct {
	store     *store.Store
	orch      frameOrchestrator
	logger    *slog.Logger
	perDomain int

	nowFunc     func() time.Time                 // injectable for testing
	shuffleFunc func(n int, swap func(i, j int)) // injectable for testing
}

// HandlerOptions tunes a Handler. Zero values fall back to defaults.
type HandlerOptions struct {
	// PerDomainCap overrides how many requests of one domain may enter a
	// single tick frame.
	PerDomainCap int
}

// NewHandler creates a Handler.
func NewHandler(st *store.Store, orch frameOrchestrator, logger *slog.Logger, opts HandlerOptions) *Handler {
	limit := opts.PerDomainCap
	if limit <= 0 {
		limit = defaultPerDomainCap
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		store:       st,
		orch:        orch,
		logger:      logger,
		perDomain:   limit,
		nowFunc:     time.Now,
		shuffleFunc: rand.Shuffle,
	}
}

// AddRequest normalises and registers one request, returning its id. An
// empty accepted set defaults to 200.
func (h *Handler) AddRequest(ctx context.Context, rawURL string, header map[string]string, accepted []int, window *store.DateWindow) (int64, error) {
	u, err := store.ParseURL(rawURL)
	if err != nil {
		return 0, err
	}

	if len(accepted) == 0 {
		accepted = defaultAcceptedStatus
	}

	return h.store.RegisterRequest(ctx, u, header, accepted, h.nowFunc(), window)
}

// GetResponse returns the latest accepted response for a request, or nil
// when the request has not been satisfied yet.
func (h *Handler) GetResponse(ctx context.Context, requestID int64) (*store.StoredResponse, error) {
	return h.store.LatestAcceptedResponse(ctx, requestID)
}

// ExecuteTick runs one maintenance pass: ensure every domain has a retry
// interval, then orchestrate the pending frame followed by the retryable
// failing frame. It reports whether any work existed, which callers use to
// pace the next tick.
func (h *Handler) ExecuteTick(ctx context.Context) (bool, error) {
	filled, err := h.store.FillDefaultDomainTimeouts(ctx)
	if err != nil {
		return false, err
	}

	changed := filled > 0

	pending, err := h.store.PendingRequests(ctx, h.nowFunc())
	if err != nil {
		return changed, err
	}

	frame := h.assembleFrame(pending)
	changed = changed || len(frame) > 0

	if _, err := h.orch.Orchestrate(ctx, frame); err != nil {
		return changed, err
	}

	retryable, err := h.store.RetryableFailingRequests(ctx, h.nowFunc())
	if err != nil {
		return changed, err
	}

	frame = h.assembleFrame(retryable)
	changed = changed || len(frame) > 0

	if _, err := h.orch.Orchestrate(ctx, frame); err != nil {
		return changed, err
	}

	return changed, nil
}

// assembleFrame caps each domain's share of the frame and shuffles the
// result so no domain monopolises the head of the pick order.
func (h *Handler) assembleFrame(rows []store.QueuedRequest) []store.QueuedRequest {
	if len(rows) == 0 {
		return nil
	}

	taken := make(map[int64]int, len(rows))
	frame := make([]store.QueuedRequest, 0, len(rows))
	for _, row := range rows {
		if taken[row.DomainID] >= h.perDomain {
			continue
		}

		taken[row.DomainID]++
		frame = append(frame, row)
	}

	h.shuffleFunc(len(frame), func(i, j int) {
		frame[i], frame[j] = frame[j], frame[i]
	})

	return frame
}
