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

// Package aggregationstorage contains the persistent storage of the aggregation service: pending
// aggregatable report requests and the helper servers' public keys.
package aggregationstorage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregatablereport"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/metrics"
	"github.com/google/privacy-sandbox-attribution-reporting/storage/sqlstore"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Schema is the aggregation service database schema.
var Schema = sqlstore.Schema{Name: "aggregation_service", FS: migrations, Dir: "migrations", Version: 1}

// RequestID identifies a stored request. Ids are never reused.
type RequestID int64

// RequestAndID is a stored request with its id.
type RequestAndID struct {
	Request *aggregatablereport.Request
	ID      RequestID
}

// PublicKey is a helper server public key.
type PublicKey struct {
	ID  string
	Key []byte
}

// PublicKeyset is the set of keys served by one helper server URL.
type PublicKeyset struct {
	Keys       []PublicKey
	FetchTime  time.Time
	ExpiryTime time.Time
}

// OriginFilter reports whether data for a reporting origin should be deleted.
type OriginFilter func(origin string) bool

// Storage persists report requests and public keys. It is safe for concurrent use; calls are
// serialized.
type Storage struct {
	db    *sqlstore.DB
	clock quartz.Clock

	mu sync.Mutex
}

// Open opens the database at path, which may be sqlstore.MemoryPath. m may be nil.
func Open(ctx context.Context, path string, clock quartz.Clock, m *metrics.Metrics) (*Storage, error) {
	db, err := sqlstore.Open(ctx, path, Schema, m)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db, clock: clock}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func toDB(t time.Time) int64 {
	return t.UnixMicro()
}

func fromDB(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// StoreRequest persists a request scheduled at its shared info's report time and returns its new
// id.
func (s *Storage) StoreRequest(ctx context.Context, request *aggregatablereport.Request) (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := request.Serialize()
	if err != nil {
		return 0, err
	}
	const insert = `INSERT INTO report_requests (report_time, creation_time, reporting_origin, request_data)
VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, insert, toDB(request.SharedInfo.ScheduledReportTime), toDB(s.clock.Now()),
		request.SharedInfo.ReportingOrigin, data)
	if err != nil {
		log.Errorf("storing aggregatable report request: %v", err)
		return 0, fmt.Errorf("storing request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return RequestID(id), nil
}

// NextReportTimeAfter returns the earliest report time strictly after t. The second result is false
// when no request is pending after t.
func (s *Storage) NextReportTimeAfter(ctx context.Context, t time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next sql.NullInt64
	if err := s.db.GetContext(ctx, &next, `SELECT MIN(report_time) FROM report_requests WHERE report_time > ?`, toDB(t)); err != nil {
		return time.Time{}, false, fmt.Errorf("querying next report time: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromDB(next.Int64), true, nil
}

type requestRow struct {
	ID   RequestID `db:"request_id"`
	Data []byte    `db:"request_data"`
}

func decodeRows(rows []requestRow) []RequestAndID {
	result := make([]RequestAndID, 0, len(rows))
	for _, r := range rows {
		request, err := aggregatablereport.Deserialize(r.Data)
		if err != nil {
			// Undecodable rows are skipped; they are removed by ClearDataBetween or ClearAllData.
			log.Warningf("skipping unreadable request %d: %v", r.ID, err)
			continue
		}
		result = append(result, RequestAndID{Request: request, ID: r.ID})
	}
	return result
}

// GetRequestsReportingOnOrBefore returns the requests whose report time is at or before t, ordered
// by report time. Reading does not remove them. A positive limit caps the number returned.
func (s *Storage) GetRequestsReportingOnOrBefore(ctx context.Context, t time.Time, limit int) ([]RequestAndID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}
	var rows []requestRow
	const query = `SELECT request_id, request_data FROM report_requests
WHERE report_time <= ? ORDER BY report_time, request_id LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, toDB(t), limit); err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	return decodeRows(rows), nil
}

// GetRequests returns the stored requests among ids, ordered by id. Missing ids are ignored.
func (s *Storage) GetRequests(ctx context.Context, ids []RequestID) ([]RequestAndID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return []RequestAndID{}, nil
	}
	query, args, err := sqlx.In(`SELECT request_id, request_data FROM report_requests WHERE request_id IN (?) ORDER BY request_id`, ids)
	if err != nil {
		return nil, err
	}
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	return decodeRows(rows), nil
}

// GetReportRequestReportingOrigins returns the distinct reporting origins with pending requests.
func (s *Storage) GetReportRequestReportingOrigins(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var origins []string
	if err := s.db.SelectContext(ctx, &origins, `SELECT DISTINCT reporting_origin FROM report_requests ORDER BY reporting_origin`); err != nil {
		return nil, fmt.Errorf("querying reporting origins: %w", err)
	}
	return origins, nil
}

// DeleteRequest removes one request. Deleting a missing id is not an error.
func (s *Storage) DeleteRequest(ctx context.Context, id RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM report_requests WHERE request_id = ?`, id); err != nil {
		return fmt.Errorf("deleting request %d: %w", id, err)
	}
	return nil
}

// UpdateReportForSendFailure counts a failed send attempt and reschedules the request at
// newReportTime. It returns false if the request no longer exists.
func (s *Storage) UpdateReportForSendFailure(ctx context.Context, id RequestID, newReportTime time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := s.db.InTx(ctx, func(q sqlstore.Querier) error {
		var data []byte
		err := q.GetContext(ctx, &data, `SELECT request_data FROM report_requests WHERE request_id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		request, err := aggregatablereport.Deserialize(data)
		if err != nil {
			return err
		}
		request.FailedSendAttempts++
		if data, err = request.Serialize(); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `UPDATE report_requests SET report_time = ?, request_data = ? WHERE request_id = ?`,
			toDB(newReportTime), data, id); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("updating request %d after send failure: %w", id, err)
	}
	return found, nil
}

// AdjustOfflineReportTimes moves every request whose report time has passed to now plus a random
// delay in [minDelay, maxDelay], and returns the earliest pending report time.
func (s *Storage) AdjustOfflineReportTimes(ctx context.Context, minDelay, maxDelay time.Duration) (time.Time, bool, error) {
	if minDelay < 0 || maxDelay < minDelay {
		return time.Time{}, false, fmt.Errorf("invalid offline delay [%v, %v]", minDelay, maxDelay)
	}
	s.mu.Lock()
	now := s.clock.Now()
	const adjust = `UPDATE report_requests SET report_time = ? + ABS(RANDOM() % ?) WHERE report_time < ?`
	_, err := s.db.ExecContext(ctx, adjust, toDB(now.Add(minDelay)), (maxDelay-minDelay).Microseconds()+1, toDB(now))
	s.mu.Unlock()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("adjusting offline report times: %w", err)
	}
	return s.NextReportTimeAfter(ctx, time.Time{})
}

// ClearDataBetween deletes, in one transaction, the requests created in [begin, end] and the public
// keys fetched in that range. When filter is non-nil only requests whose reporting origin matches
// it are deleted, and public keys are kept.
func (s *Storage) ClearDataBetween(ctx context.Context, begin, end time.Time, filter OriginFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.InTx(ctx, func(q sqlstore.Querier) error {
		if filter == nil {
			if err := clearPublicKeys(ctx, q, `fetch_time BETWEEN ? AND ?`, toDB(begin), toDB(end)); err != nil {
				return err
			}
			_, err := q.ExecContext(ctx, `DELETE FROM report_requests WHERE creation_time BETWEEN ? AND ?`, toDB(begin), toDB(end))
			return err
		}

		var origins []string
		if err := q.SelectContext(ctx, &origins, `SELECT DISTINCT reporting_origin FROM report_requests WHERE creation_time BETWEEN ? AND ?`,
			toDB(begin), toDB(end)); err != nil {
			return err
		}
		for _, origin := range origins {
			if !filter(origin) {
				continue
			}
			if _, err := q.ExecContext(ctx, `DELETE FROM report_requests WHERE reporting_origin = ? AND creation_time BETWEEN ? AND ?`,
				origin, toDB(begin), toDB(end)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearAllData deletes every request and public key.
func (s *Storage) ClearAllData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.InTx(ctx, func(q sqlstore.Querier) error {
		for _, stmt := range []string{`DELETE FROM keys`, `DELETE FROM urls`, `DELETE FROM report_requests`} {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// clearPublicKeys deletes the urls matching where, and their keys.
func clearPublicKeys(ctx context.Context, q sqlstore.Querier, where string, args ...interface{}) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM keys WHERE url_id IN (SELECT url_id FROM urls WHERE `+where+`)`, args...); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM urls WHERE `+where, args...); err != nil {
		return fmt.Errorf("deleting urls: %w", err)
	}
	return nil
}

// SetPublicKeys replaces the keys stored for url.
func (s *Storage) SetPublicKeys(ctx context.Context, url string, keyset PublicKeyset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.InTx(ctx, func(q sqlstore.Querier) error {
		if err := clearPublicKeys(ctx, q, `url = ?`, url); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `INSERT INTO urls (url, fetch_time, expiry_time) VALUES (?, ?, ?)`,
			url, toDB(keyset.FetchTime), toDB(keyset.ExpiryTime))
		if err != nil {
			return fmt.Errorf("inserting url: %w", err)
		}
		urlID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, k := range keyset.Keys {
			if _, err := q.ExecContext(ctx, `INSERT INTO keys (url_id, key_id, key) VALUES (?, ?, ?)`, urlID, k.ID, k.Key); err != nil {
				return fmt.Errorf("inserting key %q: %w", k.ID, err)
			}
		}
		return nil
	})
}

// GetPublicKeys returns the keys for url that have not expired. The keys may expire right after the
// call and must not be cached.
func (s *Storage) GetPublicKeys(ctx context.Context, url string) ([]PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		ID  string `db:"key_id"`
		Key []byte `db:"key"`
	}
	const query = `SELECT keys.key_id AS key_id, keys.key AS key FROM keys JOIN urls ON keys.url_id = urls.url_id
WHERE urls.url = ? AND urls.expiry_time > ? ORDER BY keys.key_id`
	if err := s.db.SelectContext(ctx, &rows, query, url, toDB(s.clock.Now())); err != nil {
		return nil, fmt.Errorf("querying public keys for %q: %w", url, err)
	}
	keys := make([]PublicKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, PublicKey{ID: r.ID, Key: r.Key})
	}
	return keys, nil
}

// ClearPublicKeys deletes the keys for url.
func (s *Storage) ClearPublicKeys(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.InTx(ctx, func(q sqlstore.Querier) error {
		return clearPublicKeys(ctx, q, `url = ?`, url)
	})
}

// ClearPublicKeysExpiredBy deletes the keys with an expiry time at or before t.
func (s *Storage) ClearPublicKeysExpiredBy(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.InTx(ctx, func(q sqlstore.Querier) error {
		return clearPublicKeys(ctx, q, `expiry_time <= ?`, toDB(t))
	})
}

// ClearPublicKeysFetchedBetween deletes the keys fetched in [begin, end].
func (s *Storage) ClearPublicKeysFetchedBetween(ctx context.Context, begin, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.InTx(ctx, func(q sqlstore.Querier) error {
		return clearPublicKeys(ctx, q, `fetch_time BETWEEN ? AND ?`, toDB(begin), toDB(end))
	})
}
