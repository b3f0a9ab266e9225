package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// SQL statements for response inserts and the derived status tables they
// maintain.
const (
	sqlSelectRequestOwners = `SELECT u.domain_id, r.header_id
		FROM request r
		JOIN url u ON u.url_id = r.url_id
		WHERE r.request_id = ?`

	sqlInsertResponse = `INSERT INTO response
		(request_id, requested_at, status_code, header, content)
		VALUES (?, ?, ?, ?, ?)`

	sqlIsAccepted = `SELECT EXISTS (
		SELECT 1 FROM accepted_status WHERE request_id = ? AND status_code = ?)`

	sqlUpsertRequestStatus = `INSERT INTO request_status (request_id, last_attempt_at, status)
		VALUES (?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
		 last_attempt_at = excluded.last_attempt_at,
		 status = excluded.status`

	sqlUpsertDomainStatus = `INSERT INTO domain_status (domain_id, header_id, last_attempt_at, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (domain_id, header_id) DO UPDATE SET
		 last_attempt_at = excluded.last_attempt_at,
		 status = excluded.status`

	sqlUpsertDomainRetry = `INSERT INTO domain_retry (domain_id, header_id, not_before)
		VALUES (?, ?, ? + COALESCE(
			(SELECT retry_interval FROM domain_timeout WHERE domain_id = ?), ?))
		ON CONFLICT (domain_id, header_id) DO UPDATE SET
		 not_before = excluded.not_before`

	sqlDeleteDomainRetry = `DELETE FROM domain_retry
		WHERE domain_id = ? AND header_id = ?`

	sqlBackfillRequestStatuses = `INSERT INTO request_status (request_id, last_attempt_at, status)
		SELECT r.request_id,
		       COALESCE(MAX(resp.requested_at), 0),
		       CASE
		        WHEN SUM(CASE WHEN a.status_code IS NOT NULL THEN 1 ELSE 0 END) > 0 THEN 2
		        WHEN COUNT(resp.response_id) > 0 THEN 1
		        ELSE 0
		       END
		FROM request r
		LEFT JOIN response resp ON resp.request_id = r.request_id
		LEFT JOIN accepted_status a
		 ON a.request_id = resp.request_id AND a.status_code = resp.status_code
		WHERE r.request_id NOT IN (SELECT request_id FROM request_status)
		GROUP BY r.request_id`
)

// InsertResponse appends a fetch outcome for the request and, in the same
// transaction, maintains the derived tables: request_status and
// domain_status take the new outcome, and the (domain, header) retry clock
// is armed on failure or retired on success.
func (s *Store) InsertResponse(ctx context.Context, requestID int64, resp Response) (int64, error) {
	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return 0, fmt.Errorf("store: encoding response header: %w", err)
	}

	content, err := compressBody(resp.Body)
	if err != nil {
		return 0, err
	}

	requestedAt := toUnixNano(resp.RequestedAt)

	var responseID int64

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var domainID, headerID int64

		err := tx.QueryRowContext(ctx, sqlSelectRequestOwners, requestID).Scan(&domainID, &headerID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: inserting response for request %d: %w", requestID, ErrNotFound)
		}

		if err != nil {
			return fmt.Errorf("store: resolving request %d: %w", requestID, err)
		}

		res, err := tx.ExecContext(ctx, sqlInsertResponse,
			requestID, requestedAt, resp.StatusCode, string(headerJSON), content)
		if err != nil {
			return fmt.Errorf("store: inserting response for request %d: %w", requestID, err)
		}

		responseID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: inserting response for request %d: %w", requestID, err)
		}

		var accepted bool
		if err := tx.QueryRowContext(ctx, sqlIsAccepted, requestID, resp.StatusCode).Scan(&accepted); err != nil {
			return fmt.Errorf("store: checking accepted status for request %d: %w", requestID, err)
		}

		status := StatusFailed
		if accepted {
			status = StatusSatisfied
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertRequestStatus, requestID, requestedAt, status); err != nil {
			return fmt.Errorf("store: updating status for request %d: %w", requestID, err)
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertDomainStatus, domainID, headerID, requestedAt, status); err != nil {
			return fmt.Errorf("store: updating domain status (%d, %d): %w", domainID, headerID, err)
		}

		if status == StatusFailed {
			_, err = tx.ExecContext(ctx, sqlUpsertDomainRetry,
				domainID, headerID, requestedAt, domainID, int64(s.defaultTimeout))
			if err != nil {
				return fmt.Errorf("store: arming retry clock (%d, %d): %w", domainID, headerID, err)
			}

			return nil
		}

		// Success retires any live retry clock so fresh requests for the
		// pair are not held back by a stale not_before.
		if _, err := tx.ExecContext(ctx, sqlDeleteDomainRetry, domainID, headerID); err != nil {
			return fmt.Errorf("store: clearing retry clock (%d, %d): %w", domainID, headerID, err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("response recorded",
		slog.Int64("request_id", requestID),
		slog.Int64("response_id", responseID),
		slog.Int("status_code", resp.StatusCode),
	)

	return responseID, nil
}

// FillMissingRequestStatuses backfills request_status rows for requests
// recorded before status maintenance existed, deriving each status from the
// request's responses and accepted set. Returns the number of rows added.
func (s *Store) FillMissingRequestStatuses(ctx context.Context) (int, error) {
	var added int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlBackfillRequestStatuses)
		if err != nil {
			return fmt.Errorf("store: backfilling request statuses: %w", err)
		}

		added, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: backfilling request statuses: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if added > 0 {
		s.logger.Info("backfilled request statuses", slog.Int64("added", added))
	}

	return int(added), nil
}

// Body decompresses the stored content. A response stored without a body
// returns nil.
func (r *StoredResponse) Body() ([]byte, error) {
	return decompressBody(r.Content)
}

// HeaderMap decodes the stored header JSON.
func (r *StoredResponse) HeaderMap() (map[string]string, error) {
	var header map[string]string
	if err := json.Unmarshal([]byte(r.Header), &header); err != nil {
		return nil, fmt.Errorf("store: decoding response header: %w", err)
	}

	return header, nil
}

// compressBody gzips a raw body for the content column; empty bodies store
// as NULL.
func compressBody(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("store: compressing response body: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("store: compressing response body: %w", err)
	}

	return buf.Bytes(), nil
}

// decompressBody reverses compressBody; nil content yields nil.
func decompressBody(content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("store: decompressing response body: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing response body: %w", err)
	}

	return body, nil
}
