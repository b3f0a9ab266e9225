package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// SQL statements for URL, header, and request registration.
const (
	sqlInsertURL = `INSERT INTO url (domain_id, path_hash, query_hash, path, query)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain_id, path_hash, query_hash) DO NOTHING`

	sqlSelectURLID = `SELECT url_id FROM url
		WHERE domain_id = ? AND path_hash = ? AND query_hash = ?`

	sqlInsertHeader = `INSERT INTO request_header (header_hash, header)
		VALUES (?, ?)
		ON CONFLICT (header_hash) DO NOTHING`

	sqlSelectHeaderID = `SELECT header_id FROM request_header WHERE header_hash = ?`

	sqlSelectRequestInWindow = `SELECT request_id FROM request
		WHERE url_id = ? AND header_id = ? AND date >= ? AND date <= ?
		ORDER BY date DESC
		LIMIT 1`

	sqlInsertRequest = `INSERT INTO request (url_id, header_id, date)
		VALUES (?, ?, ?)
		ON CONFLICT (url_id, header_id, date) DO NOTHING`

	sqlSelectRequestByDate = `SELECT request_id FROM request
		WHERE url_id = ? AND header_id = ? AND date = ?`

	sqlInsertAcceptedStatus = `INSERT INTO accepted_status (request_id, status_code)
		VALUES (?, ?)
		ON CONFLICT (request_id, status_code) DO NOTHING`

	sqlSelectAcceptedStatuses = `SELECT status_code FROM accepted_status
		WHERE request_id = ?`
)

// UpsertURL inserts the URL if absent and returns its id, inserting the
// owning domain (and its default policy) along the way.
func (s *Store) UpsertURL(ctx context.Context, u URL) (int64, error) {
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.upsertURLTx(ctx, tx, u)

		return err
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

func (s *Store) upsertURLTx(ctx context.Context, tx *sql.Tx, u URL) (int64, error) {
	domainID, err := s.upsertDomainTx(ctx, tx, u.Scheme, u.Netloc)
	if err != nil {
		return 0, err
	}

	pathHash := u.PathHash()
	queryHash := u.QueryHash()

	if _, err := tx.ExecContext(ctx, sqlInsertURL, domainID, pathHash, queryHash, u.Path, u.Query); err != nil {
		return 0, fmt.Errorf("store: inserting url %s: %w", u.String(), err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, sqlSelectURLID, domainID, pathHash, queryHash).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: looking up url %s: %w", u.String(), err)
	}

	return id, nil
}

// UpsertHeader canonicalises the header map and inserts it if absent,
// returning the header id.
func (s *Store) UpsertHeader(ctx context.Context, header map[string]string) (int64, error) {
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.upsertHeaderTx(ctx, tx, header)

		return err
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

func (s *Store) upsertHeaderTx(ctx context.Context, tx *sql.Tx, header map[string]string) (int64, error) {
	canonical, err := CanonicalHeaderJSON(header)
	if err != nil {
		return 0, err
	}

	hash := headerHash(canonical)

	if _, err := tx.ExecContext(ctx, sqlInsertHeader, hash, canonical); err != nil {
		return 0, fmt.Errorf("store: inserting header: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, sqlSelectHeaderID, hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: looking up header: %w", err)
	}

	return id, nil
}

// RegisterRequest records that a caller wants the URL fetched with the given
// header. When a window is given the most recent existing request whose date
// falls inside [Min, Max] is reused; without a window only an exact same-
// second registration is reused. Either way the accepted status codes are
// unioned into the request's accepted set. Everything commits atomically.
func (s *Store) RegisterRequest(
	ctx context.Context,
	u URL,
	header map[string]string,
	accepted []int,
	now time.Time,
	window *DateWindow,
) (int64, error) {
	var requestID int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		urlID, err := s.upsertURLTx(ctx, tx, u)
		if err != nil {
			return err
		}

		headerID, err := s.upsertHeaderTx(ctx, tx, header)
		if err != nil {
			return err
		}

		date := truncateToSecond(toUnixNano(now))

		minDate, maxDate := date, date
		if window != nil {
			minDate = truncateToSecond(toUnixNano(window.Min))
			maxDate = truncateToSecond(toUnixNano(window.Max))
		}

		requestID, err = s.findOrInsertRequestTx(ctx, tx, urlID, headerID, date, minDate, maxDate)
		if err != nil {
			return err
		}

		for _, code := range accepted {
			if _, err := tx.ExecContext(ctx, sqlInsertAcceptedStatus, requestID, code); err != nil {
				return fmt.Errorf("store: inserting accepted status %d for request %d: %w", code, requestID, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("request registered",
		slog.Int64("request_id", requestID),
		slog.String("url", u.String()),
	)

	return requestID, nil
}

// findOrInsertRequestTx returns the most recent request for (urlID,
// headerID) dated within [minDate, maxDate], inserting a new row dated
// `date` when none matches.
func (s *Store) findOrInsertRequestTx(
	ctx context.Context, tx *sql.Tx, urlID, headerID, date, minDate, maxDate int64,
) (int64, error) {
	var id int64

	err := tx.QueryRowContext(ctx, sqlSelectRequestInWindow, urlID, headerID, minDate, maxDate).Scan(&id)
	if err == nil {
		return id, nil
	}

	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: matching request window for url %d: %w", urlID, err)
	}

	if _, err := tx.ExecContext(ctx, sqlInsertRequest, urlID, headerID, date); err != nil {
		return 0, fmt.Errorf("store: inserting request for url %d: %w", urlID, err)
	}

	// The insert may have been a no-op when an identical triple raced in;
	// the date lookup resolves the id either way.
	if err := tx.QueryRowContext(ctx, sqlSelectRequestByDate, urlID, headerID, date).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: looking up request for url %d: %w", urlID, err)
	}

	return id, nil
}

// AcceptedStatuses returns the set of status codes that satisfy the request.
func (s *Store) AcceptedStatuses(ctx context.Context, requestID int64) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectAcceptedStatuses, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: loading accepted statuses for request %d: %w", requestID, err)
	}
	defer rows.Close()

	accepted := make(map[int]bool)

	for rows.Next() {
		var code int
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("store: scanning accepted status: %w", err)
		}

		accepted[code] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating accepted statuses: %w", err)
	}

	return accepted, nil
}
