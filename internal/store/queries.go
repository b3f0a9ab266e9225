package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Derived queries consumed by the scheduler and by status tooling.
const (
	queuedColumns = `r.request_id, r.url_id, u.domain_id, r.header_id,
		d.scheme, d.netloc, u.path, u.query, h.header, r.date`

	queuedJoins = `FROM request r
		JOIN url u ON u.url_id = r.url_id
		JOIN domain d ON d.domain_id = u.domain_id
		JOIN request_header h ON h.header_id = r.header_id
		LEFT JOIN domain_retry dr
		 ON dr.domain_id = u.domain_id AND dr.header_id = r.header_id`

	sqlPendingRequests = `SELECT ` + queuedColumns + ` ` + queuedJoins + `
		LEFT JOIN request_status rs ON rs.request_id = r.request_id
		WHERE COALESCE(rs.status, 0) = 0
		 AND (dr.not_before IS NULL OR dr.not_before <= ?)
		ORDER BY r.request_id`

	sqlRetryableRequests = `SELECT ` + queuedColumns + ` ` + queuedJoins + `
		JOIN request_status rs ON rs.request_id = r.request_id
		WHERE rs.status = 1
		 AND (dr.not_before IS NULL OR dr.not_before <= ?)
		ORDER BY r.request_id`

	sqlLatestAcceptedResponse = `SELECT resp.response_id, resp.request_id,
		resp.requested_at, resp.status_code, resp.header, resp.content
		FROM response resp
		JOIN accepted_status a
		 ON a.request_id = resp.request_id AND a.status_code = resp.status_code
		WHERE resp.request_id = ?
		ORDER BY resp.requested_at DESC, resp.response_id DESC
		LIMIT 1`

	sqlSelectDomainStatuses = `SELECT domain_id, header_id, last_attempt_at, status
		FROM domain_status`

	sqlSelectRequestDetail = `SELECT r.request_id, d.scheme, d.netloc, u.path, u.query,
		h.header, r.date,
		COALESCE(rs.status, 0), COALESCE(rs.last_attempt_at, 0),
		(SELECT COUNT(*) FROM response WHERE request_id = r.request_id)
		FROM request r
		JOIN url u ON u.url_id = r.url_id
		JOIN domain d ON d.domain_id = u.domain_id
		JOIN request_header h ON h.header_id = r.header_id
		LEFT JOIN request_status rs ON rs.request_id = r.request_id
		WHERE r.request_id = ?`

	sqlCountsByStatus = `SELECT COALESCE(rs.status, 0) AS status, COUNT(*)
		FROM request r
		LEFT JOIN request_status rs ON rs.request_id = r.request_id
		GROUP BY COALESCE(rs.status, 0)`
)

// PendingRequests returns every request that has never been attempted and
// whose (domain, header) retry clock, if any, has elapsed by now.
func (s *Store) PendingRequests(ctx context.Context, now time.Time) ([]QueuedRequest, error) {
	return s.queuedRequests(ctx, sqlPendingRequests, now)
}

// RetryableFailingRequests returns every failed request whose retry clock
// has elapsed by now.
func (s *Store) RetryableFailingRequests(ctx context.Context, now time.Time) ([]QueuedRequest, error) {
	return s.queuedRequests(ctx, sqlRetryableRequests, now)
}

func (s *Store) queuedRequests(ctx context.Context, query string, now time.Time) ([]QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, toUnixNano(now))
	if err != nil {
		return nil, fmt.Errorf("store: loading queued requests: %w", err)
	}
	defer rows.Close()

	var queued []QueuedRequest

	for rows.Next() {
		q, err := scanQueuedRow(rows)
		if err != nil {
			return nil, err
		}

		queued = append(queued, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating queued requests: %w", err)
	}

	return queued, nil
}

func scanQueuedRow(rows *sql.Rows) (QueuedRequest, error) {
	var q QueuedRequest

	err := rows.Scan(
		&q.RequestID, &q.URLID, &q.DomainID, &q.HeaderID,
		&q.URL.Scheme, &q.URL.Netloc, &q.URL.Path, &q.URL.Query,
		&q.Header, &q.Date,
	)
	if err != nil {
		return QueuedRequest{}, fmt.Errorf("store: scanning queued request: %w", err)
	}

	return q, nil
}

// LatestAcceptedResponse returns the newest response whose status code is in
// the request's accepted set, or nil when the request is not yet satisfied.
func (s *Store) LatestAcceptedResponse(ctx context.Context, requestID int64) (*StoredResponse, error) {
	var (
		r       StoredResponse
		content []byte
	)

	err := s.db.QueryRowContext(ctx, sqlLatestAcceptedResponse, requestID).Scan(
		&r.ResponseID, &r.RequestID, &r.RequestedAt, &r.StatusCode, &r.Header, &content,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading latest accepted response for request %d: %w", requestID, err)
	}

	r.Content = content

	return &r, nil
}

// DomainStatuses returns the last recorded outcome of every (domain, header)
// pair, the snapshot the tracker is seeded from at tick start.
func (s *Store) DomainStatuses(ctx context.Context) ([]DomainStatusRow, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectDomainStatuses)
	if err != nil {
		return nil, fmt.Errorf("store: loading domain statuses: %w", err)
	}
	defer rows.Close()

	var statuses []DomainStatusRow

	for rows.Next() {
		var row DomainStatusRow
		if err := rows.Scan(&row.DomainID, &row.HeaderID, &row.LastAttemptAt, &row.Status); err != nil {
			return nil, fmt.Errorf("store: scanning domain status: %w", err)
		}

		statuses = append(statuses, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating domain statuses: %w", err)
	}

	return statuses, nil
}

// RequestDetail returns the status view of a single request.
func (s *Store) RequestDetail(ctx context.Context, requestID int64) (*RequestDetail, error) {
	var d RequestDetail

	err := s.db.QueryRowContext(ctx, sqlSelectRequestDetail, requestID).Scan(
		&d.RequestID, &d.URL.Scheme, &d.URL.Netloc, &d.URL.Path, &d.URL.Query,
		&d.Header, &d.Date, &d.Status, &d.LastAttemptAt, &d.Responses,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: request %d: %w", requestID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading request %d: %w", requestID, err)
	}

	return &d, nil
}

// CountsByStatus returns how many requests sit in each lifecycle state.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, sqlCountsByStatus)
	if err != nil {
		return nil, fmt.Errorf("store: counting requests by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)

	for rows.Next() {
		var (
			status Status
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scanning status count: %w", err)
		}

		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating status counts: %w", err)
	}

	return counts, nil
}
