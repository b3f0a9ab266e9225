// Package store implements the relational state model behind the request
// orchestrator: domains, URLs, headers, requests, responses, accepted-status
// sets, per-domain policies, and the derived status tables the scheduler
// reads. It is backed by SQLite and is the sole owner of the schema.
package store

import (
	"time"
)

// Status is the lifecycle state of a request or of a (domain, header) pair.
type Status int

// Request lifecycle states as stored in the status columns.
const (
	StatusPending   Status = 0 // no attempt recorded yet
	StatusFailed    Status = 1 // attempted, no accepted response
	StatusSatisfied Status = 2 // an accepted response exists
)

// String returns the lowercase name used in CLI output and logs.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusSatisfied:
		return "satisfied"
	default:
		return "unknown"
	}
}

// DomainPolicy is the per-domain fetch policy row. Exactly one exists per
// domain; it is created with defaults when the domain row is first inserted.
//
// BPSLimit zero means unthrottled (stored as NULL). RetryProxies and
// ProxyRegions are stored and surfaced but never consumed by the
// orchestrator; they are reserved for a proxy-escalation mode that was never
// wired up.
type DomainPolicy struct {
	DomainID      int64
	FetchTimeout  time.Duration
	Retries       int
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
	RetryHTTP     bool
	RetryProxies  bool
	BPSLimit      int64
	ProxyDefault  bool
	ProxyRegions  []string
}

// Policy and scheduling defaults applied when nothing else is configured.
const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultRetries       = 2
	DefaultDomainTimeout = 3 * time.Hour
)

// DefaultPolicy returns the policy applied to newly seen domains.
func DefaultPolicy() DomainPolicy {
	return DomainPolicy{
		FetchTimeout: DefaultFetchTimeout,
		Retries:      DefaultRetries,
	}
}

// DateWindow is a closed [Min, Max] interval used to deduplicate request
// registrations against history.
type DateWindow struct {
	Min time.Time
	Max time.Time
}

// QueuedRequest is one row of the pending or retryable-failing sets consumed
// by the scheduler. Header is the canonical JSON exactly as stored.
type QueuedRequest struct {
	RequestID int64
	URLID     int64
	DomainID  int64
	HeaderID  int64
	URL       URL
	Header    string
	Date      int64
}

// Response is the write-side record of one fetch outcome. Body is the raw
// (uncompressed) body; it is gzip-compressed on insert, and an empty body is
// stored as NULL.
type Response struct {
	RequestedAt time.Time
	StatusCode  int
	Header      map[string]string
	Body        []byte
}

// StoredResponse is the read-side response row. Content is the stored
// gzip-compressed body, nil when the response had no body.
type StoredResponse struct {
	ResponseID  int64
	RequestID   int64
	RequestedAt int64
	StatusCode  int
	Header      string
	Content     []byte
}

// DomainStatusRow is the last recorded outcome for a (domain, header) pair.
type DomainStatusRow struct {
	DomainID      int64
	HeaderID      int64
	LastAttemptAt int64
	Status        Status
}

// RequestDetail is the per-request view served to status tooling: the
// reconstructed URL, registration date, derived status, and attempt counts.
type RequestDetail struct {
	RequestID     int64
	URL           URL
	Header        string
	Date          int64
	Status        Status
	LastAttemptAt int64
	Responses     int
}

// toUnixNano converts a wall-clock time to UTC Unix nanoseconds, the storage
// representation for every timestamp column.
func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// truncateToSecond drops sub-second precision. Request dates are stored at
// second granularity because the registration wire format carries seconds.
func truncateToSecond(ns int64) int64 {
	return ns - ns%int64(time.Second)
}
