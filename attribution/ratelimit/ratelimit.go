// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit contains the rate-limit ledger that bounds how many reporting origins,
// destinations and attributions a source site may be involved with.
package ratelimit

import (
	"context"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/delegateconfig"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/metrics"
	"github.com/google/privacy-sandbox-attribution-reporting/storage/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Schema is the rate-limit database schema.
var Schema = sqlstore.Schema{Name: "rate_limits", FS: migrations, Dir: "migrations", Version: 1}

// Scope is the kind of event a row records. The values are persisted.
type Scope int

// Scopes.
const (
	ScopeSource      Scope = 0
	ScopeAttribution Scope = 1
)

// Result is the outcome of a rate-limit check.
type Result int

// Results.
const (
	ResultAllowed Result = iota
	ResultNotAllowed
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultAllowed:
		return "allowed"
	case ResultNotAllowed:
		return "not_allowed"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Row is one ledger entry. Times are microseconds since the Unix epoch.
type Row struct {
	ID                            int64  `db:"id"`
	Scope                         Scope  `db:"scope"`
	SourceID                      int64  `db:"source_id"`
	SourceSite                    string `db:"source_site"`
	DestinationSite               string `db:"destination_site"`
	ContextOrigin                 string `db:"context_origin"`
	ReportingOrigin               string `db:"reporting_origin"`
	Time                          int64  `db:"time"`
	SourceExpiryOrAttributionTime int64  `db:"source_expiry_or_attribution_time"`
}

// Table is the rate-limit ledger. Every method takes the Querier to run on so that ledger rows can
// be written in the same transaction as the source or attribution they describe.
type Table struct {
	cfg     *delegateconfig.Config
	clock   quartz.Clock
	metrics *metrics.Metrics

	mu        sync.Mutex
	lastSweep time.Time
}

// New returns a Table enforcing the limits in cfg. m may be nil.
func New(cfg *delegateconfig.Config, clock quartz.Clock, m *metrics.Metrics) *Table {
	return &Table{cfg: cfg, clock: clock, metrics: m}
}

func toDB(t time.Time) int64 {
	return t.UnixMicro()
}

// attributionDestinationSite is the site a trigger was registered on.
func attributionDestinationSite(info attributiontypes.AttributionInfo) string {
	site, err := attributiontypes.SiteForOrigin(info.ContextOrigin)
	if err != nil {
		return info.Source.CommonInfo.DestinationSite
	}
	return site
}

// AddRateLimitForSource records a source registration.
func (t *Table) AddRateLimitForSource(ctx context.Context, q sqlstore.Querier, source attributiontypes.StoredSource) error {
	info := source.CommonInfo
	return t.addRow(ctx, q, Row{
		Scope:                         ScopeSource,
		SourceID:                      source.SourceID,
		SourceSite:                    info.SourceSite(),
		DestinationSite:               info.DestinationSite,
		ContextOrigin:                 info.SourceOrigin,
		ReportingOrigin:               info.ReportingOrigin,
		Time:                          toDB(info.SourceTime),
		SourceExpiryOrAttributionTime: toDB(info.ExpiryTime),
	})
}

// AddRateLimitForAttribution records a successful attribution.
func (t *Table) AddRateLimitForAttribution(ctx context.Context, q sqlstore.Querier, attribution attributiontypes.AttributionInfo) error {
	info := attribution.Source.CommonInfo
	return t.addRow(ctx, q, Row{
		Scope:                         ScopeAttribution,
		SourceID:                      attribution.Source.SourceID,
		SourceSite:                    info.SourceSite(),
		DestinationSite:               attributionDestinationSite(attribution),
		ContextOrigin:                 attribution.ContextOrigin,
		ReportingOrigin:               info.ReportingOrigin,
		Time:                          toDB(attribution.Time),
		SourceExpiryOrAttributionTime: toDB(attribution.Time),
	})
}

func (t *Table) addRow(ctx context.Context, q sqlstore.Querier, row Row) error {
	if err := t.maybeDeleteExpired(ctx, q); err != nil {
		return err
	}
	const insert = `INSERT INTO rate_limits
(scope, source_id, source_site, destination_site, context_origin, reporting_origin, time, source_expiry_or_attribution_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, insert, row.Scope, row.SourceID, row.SourceSite, row.DestinationSite,
		row.ContextOrigin, row.ReportingOrigin, row.Time, row.SourceExpiryOrAttributionTime); err != nil {
		log.Errorf("inserting rate limit row for source %d: %v", row.SourceID, err)
		return fmt.Errorf("inserting rate limit row: %w", err)
	}
	return nil
}

// maybeDeleteExpired sweeps expired rows when the configured frequency has elapsed since the last
// committed sweep. A sweep inside a transaction that rolls back does not count.
func (t *Table) maybeDeleteExpired(ctx context.Context, q sqlstore.Querier) error {
	now := t.clock.Now()
	t.mu.Lock()
	due := t.lastSweep.IsZero() || now.Sub(t.lastSweep) > t.cfg.DeleteExpiredRateLimitsFrequency
	t.mu.Unlock()
	if !due {
		return nil
	}
	if _, err := t.deleteExpired(ctx, q, now); err != nil {
		return err
	}
	sqlstore.AfterCommit(q, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if now.After(t.lastSweep) {
			t.lastSweep = now
		}
		t.metrics.RecordSweep()
	})
	return nil
}

// DeleteExpiredRateLimits deletes attribution rows older than the rate-limit window and source rows
// whose source has expired. It returns the number of rows deleted.
func (t *Table) DeleteExpiredRateLimits(ctx context.Context, q sqlstore.Querier) (int64, error) {
	return t.deleteExpired(ctx, q, t.clock.Now())
}

func (t *Table) deleteExpired(ctx context.Context, q sqlstore.Querier, now time.Time) (int64, error) {
	const deleteExpired = `DELETE FROM rate_limits
WHERE (scope = ? AND time < ?) OR (scope = ? AND source_expiry_or_attribution_time < ?)`
	res, err := q.ExecContext(ctx, deleteExpired,
		ScopeAttribution, toDB(now.Add(-t.cfg.RateLimits.TimeWindow)),
		ScopeSource, toDB(now))
	if err != nil {
		log.Errorf("deleting expired rate limits: %v", err)
		return 0, fmt.Errorf("deleting expired rate limits: %w", err)
	}
	return res.RowsAffected()
}

func (t *Table) record(check string, r Result) {
	t.metrics.RecordRateLimit(check, r.String())
}

// SourceAllowedForReportingOriginLimit checks whether the source's reporting origin may register
// another source for its (source site, destination site) pair.
func (t *Table) SourceAllowedForReportingOriginLimit(ctx context.Context, q sqlstore.Querier, source attributiontypes.StoredSource) (Result, error) {
	info := source.CommonInfo
	r, err := t.allowedForReportingOriginLimit(ctx, q, ScopeSource, info.SourceSite(), info.DestinationSite,
		info.ReportingOrigin, info.SourceTime, t.cfg.RateLimits.MaxSourceRegistrationReportingOrigins)
	t.record("source_reporting_origin", r)
	return r, err
}

// AttributionAllowedForReportingOriginLimit checks whether the source's reporting origin may
// attribute another trigger for its (source site, destination site) pair.
func (t *Table) AttributionAllowedForReportingOriginLimit(ctx context.Context, q sqlstore.Querier, attribution attributiontypes.AttributionInfo) (Result, error) {
	info := attribution.Source.CommonInfo
	r, err := t.allowedForReportingOriginLimit(ctx, q, ScopeAttribution, info.SourceSite(), attributionDestinationSite(attribution),
		info.ReportingOrigin, attribution.Time, t.cfg.RateLimits.MaxAttributionReportingOrigins)
	t.record("attribution_reporting_origin", r)
	return r, err
}

func (t *Table) allowedForReportingOriginLimit(ctx context.Context, q sqlstore.Querier, scope Scope, sourceSite, destinationSite, reportingOrigin string, at time.Time, limit int64) (Result, error) {
	const selectOrigins = `SELECT reporting_origin FROM rate_limits
WHERE scope = ? AND source_site = ? AND destination_site = ? AND time > ?`
	return countDistinct(ctx, q, reportingOrigin, limit, selectOrigins,
		scope, sourceSite, destinationSite, toDB(at.Add(-t.cfg.RateLimits.TimeWindow)))
}

// SourceAllowedForDestinationLimit checks whether the source's (source site, reporting origin)
// pair may register for another destination while its other sources are still active.
func (t *Table) SourceAllowedForDestinationLimit(ctx context.Context, q sqlstore.Querier, source attributiontypes.StoredSource) (Result, error) {
	info := source.CommonInfo
	const selectDestinations = `SELECT destination_site FROM rate_limits
WHERE scope = ? AND source_site = ? AND reporting_origin = ?
AND source_expiry_or_attribution_time > ? AND time <= ?`
	at := toDB(info.SourceTime)
	r, err := countDistinct(ctx, q, info.DestinationSite, t.cfg.MaxDestinationsPerSourceSiteReportingOrigin,
		selectDestinations, ScopeSource, info.SourceSite(), info.ReportingOrigin, at, at)
	t.record("source_destination", r)
	return r, err
}

// countDistinct scans a single text column and allows value if it has already been seen or if
// fewer than limit distinct values are present.
func countDistinct(ctx context.Context, q sqlstore.Querier, value string, limit int64, query string, args ...interface{}) (Result, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		log.Errorf("querying rate limits: %v", err)
		return ResultError, fmt.Errorf("querying rate limits: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return ResultError, fmt.Errorf("scanning rate limits: %w", err)
		}
		if v == value {
			return ResultAllowed, nil
		}
		seen[v] = struct{}{}
		if int64(len(seen)) == limit {
			return ResultNotAllowed, nil
		}
	}
	if err := rows.Err(); err != nil {
		return ResultError, fmt.Errorf("iterating rate limits: %w", err)
	}
	return ResultAllowed, nil
}

// AttributionAllowedForAttributionLimit checks whether another attribution fits in the
// (destination site, source site, reporting origin) budget for the time window.
func (t *Table) AttributionAllowedForAttributionLimit(ctx context.Context, q sqlstore.Querier, attribution attributiontypes.AttributionInfo) (Result, error) {
	info := attribution.Source.CommonInfo
	const countAttributions = `SELECT COUNT(*) FROM rate_limits
WHERE scope = ? AND destination_site = ? AND source_site = ? AND reporting_origin = ? AND time > ?`
	var count int64
	if err := q.GetContext(ctx, &count, countAttributions, ScopeAttribution, attributionDestinationSite(attribution),
		info.SourceSite(), info.ReportingOrigin, toDB(attribution.Time.Add(-t.cfg.RateLimits.TimeWindow))); err != nil {
		log.Errorf("counting attributions: %v", err)
		t.record("attribution_count", ResultError)
		return ResultError, fmt.Errorf("counting attributions: %w", err)
	}
	r := ResultNotAllowed
	if count < t.cfg.RateLimits.MaxAttributions {
		r = ResultAllowed
	}
	t.record("attribution_count", r)
	return r, nil
}

// ClearAllDataInRange deletes every row whose time is in [begin, end].
func (t *Table) ClearAllDataInRange(ctx context.Context, q sqlstore.Querier, begin, end time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM rate_limits WHERE time BETWEEN ? AND ?`, toDB(begin), toDB(end)); err != nil {
		return fmt.Errorf("clearing rate limits in range: %w", err)
	}
	return nil
}

// ClearAllDataAllTime deletes every row.
func (t *Table) ClearAllDataAllTime(ctx context.Context, q sqlstore.Querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM rate_limits`); err != nil {
		return fmt.Errorf("clearing rate limits: %w", err)
	}
	return nil
}

// OriginFilter reports whether data for an origin should be deleted.
type OriginFilter func(origin string) bool

// ClearDataForOriginsInRange deletes rows in [begin, end] whose context origin matches filter. A
// nil filter deletes every row in the range.
func (t *Table) ClearDataForOriginsInRange(ctx context.Context, db *sqlstore.DB, begin, end time.Time, filter OriginFilter) error {
	if filter == nil {
		return t.ClearAllDataInRange(ctx, db, begin, end)
	}
	return db.InTx(ctx, func(q sqlstore.Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT id, context_origin FROM rate_limits WHERE time BETWEEN ? AND ?`, toDB(begin), toDB(end))
		if err != nil {
			return fmt.Errorf("selecting rate limits in range: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id     int64
				origin string
			)
			if err := rows.Scan(&id, &origin); err != nil {
				return fmt.Errorf("scanning rate limits: %w", err)
			}
			if !filter(origin) {
				continue
			}
			if _, err := q.ExecContext(ctx, `DELETE FROM rate_limits WHERE id = ?`, id); err != nil {
				return fmt.Errorf("deleting rate limit %d: %w", id, err)
			}
		}
		return rows.Err()
	})
}

// ClearDataForSourceIds deletes every row recorded for the given sources.
func (t *Table) ClearDataForSourceIds(ctx context.Context, db *sqlstore.DB, sourceIDs []int64) error {
	return db.InTx(ctx, func(q sqlstore.Querier) error {
		for _, id := range sourceIDs {
			if _, err := q.ExecContext(ctx, `DELETE FROM rate_limits WHERE source_id = ?`, id); err != nil {
				return fmt.Errorf("deleting rate limits for source %d: %w", id, err)
			}
		}
		return nil
	})
}

// Rows returns every row ordered by id.
func (t *Table) Rows(ctx context.Context, q sqlstore.Querier) ([]Row, error) {
	var rows []Row
	if err := q.SelectContext(ctx, &rows, `SELECT * FROM rate_limits ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing rate limits: %w", err)
	}
	return rows, nil
}
