package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPendingRequests_FreshRequestAppears(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	header := map[string]string{"Accept": "text/html"}
	rid, domainID, headerID := registerTestRequest(t, s, "https://a.example/b?x=1", header, []int{200}, now)

	queued, err := s.PendingRequests(ctx, now)
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}

	if len(queued) != 1 {
		t.Fatalf("pending = %d rows, want 1", len(queued))
	}

	q := queued[0]
	if q.RequestID != rid || q.DomainID != domainID || q.HeaderID != headerID {
		t.Errorf("queued ids = (%d, %d, %d), want (%d, %d, %d)",
			q.RequestID, q.DomainID, q.HeaderID, rid, domainID, headerID)
	}

	if got := q.URL.String(); got != "https://a.example/b?x=1" {
		t.Errorf("reconstructed url = %q", got)
	}

	wantHeader, err := CanonicalHeaderJSON(header)
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON: %v", err)
	}

	if q.Header != wantHeader {
		t.Errorf("queued header = %q, want %q", q.Header, wantHeader)
	}
}

func TestPendingRequests_ExcludesAttempted(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	rid, _, _ := registerTestRequest(t, s, "https://a.example/b", nil, []int{200}, now)

	if _, err := s.InsertResponse(ctx, rid, Response{RequestedAt: now, StatusCode: 200, Body: []byte("ok")}); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	queued, err := s.PendingRequests(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}

	if len(queued) != 0 {
		t.Errorf("satisfied request still pending: %+v", queued)
	}
}

// TestPendingRequests_GatedBySiblingRetryClock: a failure on one request
// arms the (domain, header) clock and holds back other pending requests for
// the same pair until it elapses.
func TestPendingRequests_GatedBySiblingRetryClock(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute

	failedRid, domainID, _ := registerTestRequest(t, s, "https://a.example/one", nil, []int{200}, now)
	pendingRid, _, _ := registerTestRequest(t, s, "https://a.example/two", nil, []int{200}, now)

	if err := s.UpsertDomainTimeout(ctx, domainID, interval); err != nil {
		t.Fatalf("UpsertDomainTimeout: %v", err)
	}

	if _, err := s.InsertResponse(ctx, failedRid, Response{RequestedAt: now, StatusCode: 503}); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	queued, err := s.PendingRequests(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}

	if len(queued) != 0 {
		t.Errorf("pending set inside retry window = %+v, want empty", queued)
	}

	queued, err = s.PendingRequests(ctx, now.Add(interval))
	if err != nil {
		t.Fatalf("PendingRequests after clock: %v", err)
	}

	if len(queued) != 1 || queued[0].RequestID != pendingRid {
		t.Errorf("pending set after clock = %+v, want just request %d", queued, pendingRid)
	}
}

// TestRetryableFailingRequests_ClockBoundary walks the retry clock edge: a
// 504 at 12:00 with a 15-minute interval is retryable from 12:15:00 on.
func TestRetryableFailingRequests_ClockBoundary(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()
	failedAt := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	rid, domainID, _ := registerTestRequest(t, s, "https://a.example/b", nil, []int{200}, failedAt)

	if err := s.UpsertDomainTimeout(ctx, domainID, 15*time.Minute); err != nil {
		t.Fatalf("UpsertDomainTimeout: %v", err)
	}

	if _, err := s.InsertResponse(ctx, rid, Response{RequestedAt: failedAt, StatusCode: 504}); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"one second early", time.Date(2024, time.March, 1, 12, 14, 59, 0, time.UTC), 0},
		{"exactly on the clock", time.Date(2024, time.March, 1, 12, 15, 0, 0, time.UTC), 1},
		{"one second late", time.Date(2024, time.March, 1, 12, 15, 1, 0, time.UTC), 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			queued, err := s.RetryableFailingRequests(ctx, tc.now)
			if err != nil {
				t.Fatalf("RetryableFailingRequests: %v", err)
			}

			if len(queued) != tc.want {
				t.Errorf("retryable at %v = %d rows, want %d", tc.now, len(queued), tc.want)
			}
		})
	}
}

func TestLatestAcceptedResponse_NoneWhenUnsatisfied(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	rid, _, _ := registerTestRequest(t, s, "https://a.example/b", nil, []int{200}, now)

	stored, err := s.LatestAcceptedResponse(ctx, rid)
	if err != nil {
		t.Fatalf("LatestAcceptedResponse: %v", err)
	}

	if stored != nil {
		t.Errorf("no responses yet, got %+v", stored)
	}

	if _, err := s.InsertResponse(ctx, rid, Response{RequestedAt: now, StatusCode: 500}); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	stored, err = s.LatestAcceptedResponse(ctx, rid)
	if err != nil {
		t.Fatalf("LatestAcceptedResponse after 500: %v", err)
	}

	if stored != nil {
		t.Errorf("rejected response served as accepted: %+v", stored)
	}
}

func TestCountsByStatus(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	_, _, _ = registerTestRequest(t, s, "https://a.example/pending", nil, []int{200}, now)
	failedRid, _, _ := registerTestRequest(t, s, "https://b.example/failed", nil, []int{200}, now)
	okRid, _, _ := registerTestRequest(t, s, "https://c.example/ok", nil, []int{200}, now)

	if _, err := s.InsertResponse(ctx, failedRid, Response{RequestedAt: now, StatusCode: 500}); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	if _, err := s.InsertResponse(ctx, okRid, Response{RequestedAt: now, StatusCode: 200, Body: []byte("ok")}); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}

	counts, err := s.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus: %v", err)
	}

	want := map[Status]int{StatusPending: 1, StatusFailed: 1, StatusSatisfied: 1}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("counts[%v] = %d, want %d", status, counts[status], n)
		}
	}
}

func TestRequestDetail_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})

	_, err := s.RequestDetail(context.Background(), 12345)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("RequestDetail(12345): err = %v, want ErrNotFound", err)
	}
}
