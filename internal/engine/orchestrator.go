package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webrequestd/webrequestd/internal/fetch"
	"github.com/webrequestd/webrequestd/internal/store"
)

// Fetcher executes single fetch specs. Implemented by *fetch.Requester;
// mock implementations are used in tests.
type Fetcher interface {
	Do(ctx context.Context, spec fetch.Spec) (*fetch.Result, error)
}

// Orchestrator drains one frame of queued requests: it repeatedly asks a
// fresh Tracker for a runnable candidate, executes it with the policy's
// retry escalation, and persists whatever response was obtained. Execution
// is strictly sequential, one request at a time.
type Orchestrator struct {
	store     *store.Store
	fetcher   Fetcher
	logger    *slog.Logger
	bpsWindow int

	// Injectable for testing: the clock, the retry sleeper, and the
	// uniform [0,1) draw behind retry delays.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
	floatFunc func() float64
}

// OrchestratorOptions tunes an Orchestrator. The zero value applies the
// defaults.
type OrchestratorOptions struct {
	// BPSWindow is how many recent transfers feed each domain's throughput
	// estimate. Zero means the default of 25.
	BPSWindow int
}

// NewOrchestrator creates an Orchestrator backed by the given store and
// fetcher.
func NewOrchestrator(st *store.Store, fetcher Fetcher, logger *slog.Logger, opts OrchestratorOptions) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	window := opts.BPSWindow
	if window <= 0 {
		window = defaultBPSWindow
	}

	return &Orchestrator{
		store:     st,
		fetcher:   fetcher,
		logger:    logger,
		bpsWindow: window,
		nowFunc:   time.Now,
		sleepFunc: timeSleep,
		floatFunc: rand.Float64,
	}
}

// Orchestrate executes one frame of queued requests and returns how many
// ended satisfied. Each candidate is picked at most once; candidates whose
// domain stays over budget or whose (domain, header) pair failed earlier in
// the frame are left untouched for a later tick. Per-request failures are
// logged and skipped; only cancellation and snapshot errors abort the frame.
func (o *Orchestrator) Orchestrate(ctx context.Context, candidates []store.QueuedRequest) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	snapshot, err := o.store.DomainStatuses(ctx)
	if err != nil {
		return 0, err
	}

	policies, err := o.store.DomainPolicies(ctx)
	if err != nil {
		return 0, err
	}

	tracker := NewTracker(snapshot, policies, o.logger)
	tracker.ringCap = o.bpsWindow
	tracker.nowFunc = o.nowFunc

	logger := o.logger.With(slog.String("frame_id", uuid.New().String()))
	logger.Debug("frame started", slog.Int("candidates", len(candidates)))

	satisfied := 0
	remaining := make([]store.QueuedRequest, len(candidates))
	copy(remaining, candidates)

	for {
		if ctx.Err() != nil {
			return satisfied, fmt.Errorf("engine: frame canceled: %w", ctx.Err())
		}

		idx, ok := tracker.PickRequest(remaining)
		if !ok {
			break
		}

		req := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)

		policy, ok := policies[req.DomainID]
		if !ok {
			policy = store.DefaultPolicy()
		}

		res, bytes, valid, err := o.executeOne(ctx, logger, req, policy)
		tracker.RecordBytes(req.DomainID, bytes)
		tracker.RecordOutcome(req.DomainID, req.HeaderID, valid)

		if err != nil {
			if ctx.Err() != nil {
				return satisfied, err
			}

			logger.Error("request execution failed",
				slog.Int64("request_id", req.RequestID),
				slog.Any("error", err),
			)

			continue
		}

		if res == nil {
			logger.Warn("no response obtained",
				slog.Int64("request_id", req.RequestID),
				slog.String("url", req.URL.String()),
			)

			continue
		}

		if _, err := o.store.InsertResponse(ctx, req.RequestID, store.Response{
			RequestedAt: o.nowFunc(),
			StatusCode:  res.StatusCode,
			Header:      flattenHeader(res.Header),
			Body:        res.Body,
		}); err != nil {
			logger.Error("storing response failed",
				slog.Int64("request_id", req.RequestID),
				slog.Any("error", err),
			)

			continue
		}

		if valid {
			satisfied++
		}
	}

	logger.Debug("frame finished",
		slog.Int("satisfied", satisfied),
		slog.Int("deferred", len(remaining)),
	)

	return satisfied, nil
}

// executeOne runs the full attempt sequence for one picked request: the
// initial fetch, then up to policy.Retries escalation rounds, each a
// uniform-random delay followed by a same-URL re-try and, for https
// requests with the fallback enabled, an http re-try. It returns the last
// obtained response (nil when every attempt died in transport), the total
// body bytes moved across all attempts, and whether the final response was
// accepted.
func (o *Orchestrator) executeOne(ctx context.Context, logger *slog.Logger, req store.QueuedRequest, policy store.DomainPolicy) (*fetch.Result, int64, bool, error) {
	accepted, err := o.store.AcceptedStatuses(ctx, req.RequestID)
	if err != nil {
		return nil, 0, false, err
	}

	header, err := decodeHeader(req.Header)
	if err != nil {
		return nil, 0, false, err
	}

	spec := fetch.Spec{
		URL:        req.URL.String(),
		Header:     header,
		Accepted:   accepted,
		Timeout:    policy.FetchTimeout,
		ForceProxy: policy.ProxyDefault,
	}

	var (
		last  *fetch.Result
		bytes int64
	)

	track := func(res *fetch.Result) bool {
		if res == nil {
			return false
		}

		last = res
		bytes += int64(len(res.Body))

		return res.Valid
	}

	res, err := o.fetcher.Do(ctx, spec)
	if err != nil {
		return last, bytes, false, err
	}
	if track(res) {
		return last, bytes, true, nil
	}

	// Scheme fallback applies only to https requests whose policy opts in.
	canFallback := policy.RetryHTTP && req.URL.Scheme == "https"
	httpSpec := spec
	if canFallback {
		u := req.URL
		u.Scheme = "http"
		httpSpec.URL = u.String()
	}

	for round := 0; round < policy.Retries; round++ {
		if err := o.sleepFunc(ctx, o.retryDelay(policy)); err != nil {
			return last, bytes, false, fmt.Errorf("engine: retry delay interrupted: %w", err)
		}

		res, err := o.fetcher.Do(ctx, spec)
		if err != nil {
			return last, bytes, false, err
		}
		if track(res) {
			return last, bytes, true, nil
		}

		if canFallback {
			res, err := o.fetcher.Do(ctx, httpSpec)
			if err != nil {
				return last, bytes, false, err
			}
			if track(res) {
				return last, bytes, true, nil
			}
		}

		logger.Debug("retry round unsatisfied",
			slog.Int64("request_id", req.RequestID),
			slog.Int("round", round+1),
			slog.Int("rounds", policy.Retries),
		)
	}

	return last, bytes, false, nil
}

// retryDelay draws a uniform random delay from the policy's retry window.
func (o *Orchestrator) retryDelay(policy store.DomainPolicy) time.Duration {
	span := policy.RetryMaxDelay - policy.RetryMinDelay
	if span <= 0 {
		return policy.RetryMinDelay
	}

	return policy.RetryMinDelay + time.Duration(o.floatFunc()*float64(span))
}

// decodeHeader restores a header map from its stored canonical JSON form.
func decodeHeader(canonical string) (map[string]string, error) {
	if canonical == "" {
		return nil, nil
	}

	var header map[string]string
	if err := json.Unmarshal([]byte(canonical), &header); err != nil {
		return nil, fmt.Errorf("engine: decoding request header: %w", err)
	}

	return header, nil
}

// flattenHeader collapses a response header into the single-value map the
// store persists. Multi-valued fields join with ", ".
func flattenHeader(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for name, values := range h {
		flat[name] = strings.Join(values, ", ")
	}

	return flat
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
