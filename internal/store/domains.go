package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQL statements for domain, policy, and timeout operations.
const (
	sqlInsertDomain = `INSERT INTO domain (scheme, netloc) VALUES (?, ?)
		ON CONFLICT (scheme, netloc) DO NOTHING`

	sqlSelectDomainID = `SELECT domain_id FROM domain WHERE scheme = ? AND netloc = ?`

	sqlInsertDefaultPolicy = `INSERT INTO domain_policy
		(domain_id, fetch_timeout, retries, retry_min_delay, retry_max_delay,
		 retry_http, retry_proxies, bps_limit, proxy_default, proxy_regions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain_id) DO NOTHING`

	sqlSelectPolicies = `SELECT domain_id, fetch_timeout, retries,
		retry_min_delay, retry_max_delay, retry_http, retry_proxies,
		bps_limit, proxy_default, proxy_regions
		FROM domain_policy`

	sqlUpdatePolicy = `UPDATE domain_policy SET
		 fetch_timeout = ?,
		 retries = ?,
		 retry_min_delay = ?,
		 retry_max_delay = ?,
		 retry_http = ?,
		 retry_proxies = ?,
		 bps_limit = ?,
		 proxy_default = ?,
		 proxy_regions = ?
		WHERE domain_id = ?`

	sqlUpsertDomainTimeout = `INSERT INTO domain_timeout (domain_id, retry_interval)
		VALUES (?, ?)
		ON CONFLICT (domain_id) DO UPDATE SET
		 retry_interval = excluded.retry_interval`

	sqlFillDomainTimeouts = `INSERT INTO domain_timeout (domain_id, retry_interval)
		SELECT d.domain_id, ?
		FROM domain d
		WHERE d.domain_id NOT IN (SELECT domain_id FROM domain_timeout)`

	sqlSelectDomains = `SELECT domain_id, scheme, netloc FROM domain ORDER BY domain_id`
)

// UpsertDomain inserts the (scheme, netloc) pair if absent and returns its
// id. First insert also creates the default DomainPolicy row for the domain.
func (s *Store) UpsertDomain(ctx context.Context, scheme, netloc string) (int64, error) {
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.upsertDomainTx(ctx, tx, scheme, netloc)

		return err
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// upsertDomainTx is the in-transaction body of UpsertDomain, shared by the
// registration path so the whole add-request flow commits atomically.
func (s *Store) upsertDomainTx(ctx context.Context, tx *sql.Tx, scheme, netloc string) (int64, error) {
	if _, err := tx.ExecContext(ctx, sqlInsertDomain, scheme, netloc); err != nil {
		return 0, fmt.Errorf("store: inserting domain %s://%s: %w", scheme, netloc, err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, sqlSelectDomainID, scheme, netloc).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: looking up domain %s://%s: %w", scheme, netloc, err)
	}

	// Idempotent: a no-op when the policy row already exists. Also heals
	// domains created before policy rows were introduced.
	p := s.defaultPolicy

	regions, err := encodeRegions(p.ProxyRegions)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, sqlInsertDefaultPolicy,
		id,
		int64(p.FetchTimeout),
		p.Retries,
		int64(p.RetryMinDelay),
		int64(p.RetryMaxDelay),
		p.RetryHTTP,
		p.RetryProxies,
		nullInt64(p.BPSLimit),
		p.ProxyDefault,
		regions,
	)
	if err != nil {
		return 0, fmt.Errorf("store: inserting default policy for domain %d: %w", id, err)
	}

	return id, nil
}

// DomainPolicies returns every domain's policy, keyed by domain id.
func (s *Store) DomainPolicies(ctx context.Context) (map[int64]DomainPolicy, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectPolicies)
	if err != nil {
		return nil, fmt.Errorf("store: loading domain policies: %w", err)
	}
	defer rows.Close()

	policies := make(map[int64]DomainPolicy)

	for rows.Next() {
		p, err := scanPolicyRow(rows)
		if err != nil {
			return nil, err
		}

		policies[p.DomainID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating policy rows: %w", err)
	}

	return policies, nil
}

// scanPolicyRow scans one domain_policy row, decoding nullable columns.
func scanPolicyRow(rows *sql.Rows) (DomainPolicy, error) {
	var (
		p        DomainPolicy
		timeout  int64
		minDelay int64
		maxDelay int64
		bps      sql.NullInt64
		regions  sql.NullString
	)

	err := rows.Scan(
		&p.DomainID, &timeout, &p.Retries, &minDelay, &maxDelay,
		&p.RetryHTTP, &p.RetryProxies, &bps, &p.ProxyDefault, &regions,
	)
	if err != nil {
		return DomainPolicy{}, fmt.Errorf("store: scanning policy row: %w", err)
	}

	p.FetchTimeout = time.Duration(timeout)
	p.RetryMinDelay = time.Duration(minDelay)
	p.RetryMaxDelay = time.Duration(maxDelay)

	if bps.Valid {
		p.BPSLimit = bps.Int64
	}

	if regions.Valid && regions.String != "" {
		if err := json.Unmarshal([]byte(regions.String), &p.ProxyRegions); err != nil {
			return DomainPolicy{}, fmt.Errorf("store: decoding proxy regions for domain %d: %w", p.DomainID, err)
		}
	}

	return p, nil
}

// SetDomainPolicy replaces the policy row for a domain. The row is created
// with the domain, so a missing row means the domain id itself is unknown.
func (s *Store) SetDomainPolicy(ctx context.Context, domainID int64, p DomainPolicy) error {
	regions, err := encodeRegions(p.ProxyRegions)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdatePolicy,
			int64(p.FetchTimeout),
			p.Retries,
			int64(p.RetryMinDelay),
			int64(p.RetryMaxDelay),
			p.RetryHTTP,
			p.RetryProxies,
			nullInt64(p.BPSLimit),
			p.ProxyDefault,
			regions,
			domainID,
		)
		if err != nil {
			return fmt.Errorf("store: updating policy for domain %d: %w", domainID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: updating policy for domain %d: %w", domainID, err)
		}

		if n == 0 {
			return fmt.Errorf("store: updating policy for domain %d: %w", domainID, ErrNotFound)
		}

		s.logger.Info("domain policy updated", slog.Int64("domain_id", domainID))

		return nil
	})
}

// UpsertDomainTimeout sets the retry interval applied to failed
// (domain, header) pairs of the given domain.
func (s *Store) UpsertDomainTimeout(ctx context.Context, domainID int64, retryInterval time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertDomainTimeout, domainID, int64(retryInterval))
		if err != nil {
			return fmt.Errorf("store: upserting timeout for domain %d: %w", domainID, err)
		}

		return nil
	})
}

// FillDefaultDomainTimeouts inserts the store's default retry interval for
// every domain lacking a domain_timeout row and returns how many were added.
func (s *Store) FillDefaultDomainTimeouts(ctx context.Context) (int, error) {
	var added int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlFillDomainTimeouts, int64(s.defaultTimeout))
		if err != nil {
			return fmt.Errorf("store: filling default domain timeouts: %w", err)
		}

		added, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: filling default domain timeouts: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if added > 0 {
		s.logger.Debug("filled default domain timeouts", slog.Int64("added", added))
	}

	return int(added), nil
}

// Domain is one row of the domain table.
type Domain struct {
	DomainID int64
	Scheme   string
	Netloc   string
}

// Domains lists every registered domain in insertion order.
func (s *Store) Domains(ctx context.Context) ([]Domain, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectDomains)
	if err != nil {
		return nil, fmt.Errorf("store: loading domains: %w", err)
	}
	defer rows.Close()

	var domains []Domain

	for rows.Next() {
		var d Domain
		if err := rows.Scan(&d.DomainID, &d.Scheme, &d.Netloc); err != nil {
			return nil, fmt.Errorf("store: scanning domain row: %w", err)
		}

		domains = append(domains, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating domain rows: %w", err)
	}

	return domains, nil
}

// encodeRegions marshals a region list to its JSON column form; empty lists
// store as NULL.
func encodeRegions(regions []string) (sql.NullString, error) {
	if len(regions) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(regions)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encoding proxy regions: %w", err)
	}

	return nullString(string(b)), nil
}
