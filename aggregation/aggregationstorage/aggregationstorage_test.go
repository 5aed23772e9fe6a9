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

package aggregationstorage

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregatablereport"
	"github.com/google/privacy-sandbox-attribution-reporting/storage/sqlstore"
	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

var now = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

// maxTime is the latest time the storage can represent.
var maxTime = time.UnixMicro(1<<63 - 1)

func newStorage(t *testing.T) (*Storage, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now)
	s, err := Open(context.Background(), sqlstore.MemoryPath, clock, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func newRequest(t *testing.T, origin string, reportTime time.Time) *aggregatablereport.Request {
	t.Helper()
	r, err := aggregatablereport.NewRequest(
		[]aggregatablereport.Contribution{{Bucket: uint128.From64(123), Value: 456}},
		aggregatablereport.SharedInfo{
			ScheduledReportTime: reportTime,
			ReportID:            uuid.New(),
			ReportingOrigin:     origin,
			APIVersion:          "0.1",
		},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func ids(requests []RequestAndID) []RequestID {
	result := []RequestID{}
	for _, r := range requests {
		result = append(result, r.ID)
	}
	return result
}

func TestGetRequestsReportingOnOrBeforeIsIdempotent(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	request := newRequest(t, "https://reporter.test", now)
	id, err := s.StoreRequest(ctx, request)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("first request id = %d, want 1", id)
	}

	for i := 0; i < 2; i++ {
		got, err := s.GetRequestsReportingOnOrBefore(ctx, maxTime, 0)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]RequestID{1}, ids(got)); diff != "" {
			t.Fatalf("read %d: ids mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(request, got[0].Request); diff != "" {
			t.Errorf("read %d: request mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRequestIDsAreNotReused(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	id1, err := s.StoreRequest(ctx, newRequest(t, "https://reporter.test", now))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRequest(ctx, id1); err != nil {
		t.Fatal(err)
	}
	id2, err := s.StoreRequest(ctx, newRequest(t, "https://reporter.test", now))
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("id after deletion = %d, want greater than %d", id2, id1)
	}

	// Deleting a missing request is a no-op.
	if err := s.DeleteRequest(ctx, id1); err != nil {
		t.Errorf("DeleteRequest(missing) = %v, want nil", err)
	}
}

func TestReportTimeQueries(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour, time.Hour} {
		if _, err := s.StoreRequest(ctx, newRequest(t, "https://reporter.test", now.Add(offset))); err != nil {
			t.Fatal(err)
		}
	}

	for _, tc := range []struct {
		after  time.Time
		want   time.Time
		wantOK bool
	}{
		{now, now.Add(time.Hour), true},
		{now.Add(time.Hour), now.Add(2 * time.Hour), true},
		{now.Add(3 * time.Hour), time.Time{}, false},
	} {
		got, ok, err := s.NextReportTimeAfter(ctx, tc.after)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tc.wantOK || !got.Equal(tc.want) {
			t.Errorf("NextReportTimeAfter(%v) = %v, %v, want %v, %v", tc.after, got, ok, tc.want, tc.wantOK)
		}
	}

	got, err := s.GetRequestsReportingOnOrBefore(ctx, now.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RequestID{2, 4, 3}, ids(got)); diff != "" {
		t.Errorf("ids on or before mismatch (-want +got):\n%s", diff)
	}

	got, err = s.GetRequestsReportingOnOrBefore(ctx, maxTime, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RequestID{2, 4}, ids(got)); diff != "" {
		t.Errorf("limited ids mismatch (-want +got):\n%s", diff)
	}

	got, err = s.GetRequests(ctx, []RequestID{4, 1, 42})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RequestID{1, 4}, ids(got)); diff != "" {
		t.Errorf("GetRequests ids mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateReportForSendFailure(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	id, err := s.StoreRequest(ctx, newRequest(t, "https://reporter.test", now))
	if err != nil {
		t.Fatal(err)
	}
	found, err := s.UpdateReportForSendFailure(ctx, id, now.Add(time.Hour))
	if err != nil || !found {
		t.Fatalf("UpdateReportForSendFailure() = %v, %v, want true, nil", found, err)
	}

	got, err := s.GetRequestsReportingOnOrBefore(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d requests at the old report time, want 0", len(got))
	}
	got, err = s.GetRequests(ctx, []RequestID{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Request.FailedSendAttempts != 1 {
		t.Errorf("GetRequests() = %+v, want one request with one failed attempt", got)
	}
	if next, ok, err := s.NextReportTimeAfter(ctx, now); err != nil || !ok || !next.Equal(now.Add(time.Hour)) {
		t.Errorf("NextReportTimeAfter() = %v, %v, %v, want %v", next, ok, err, now.Add(time.Hour))
	}

	if found, err := s.UpdateReportForSendFailure(ctx, 42, now); err != nil || found {
		t.Errorf("UpdateReportForSendFailure(missing) = %v, %v, want false, nil", found, err)
	}
}

func TestAdjustOfflineReportTimes(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	for _, reportTime := range []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now.Add(time.Hour)} {
		if _, err := s.StoreRequest(ctx, newRequest(t, "https://reporter.test", reportTime)); err != nil {
			t.Fatal(err)
		}
	}

	next, ok, err := s.AdjustOfflineReportTimes(ctx, 2*time.Minute, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(2 * time.Minute); !ok || !next.Equal(want) {
		t.Errorf("AdjustOfflineReportTimes() = %v, %v, want %v, true", next, ok, want)
	}
	got, err := s.GetRequestsReportingOnOrBefore(ctx, now.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RequestID{1, 2}, ids(got)); diff != "" {
		t.Errorf("adjusted ids mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := s.AdjustOfflineReportTimes(ctx, 2*time.Minute, time.Minute); err == nil {
		t.Error("expected error for an inverted delay range")
	}
}

func TestClearDataBetween(t *testing.T) {
	s, clock := newStorage(t)
	ctx := context.Background()

	keyset := PublicKeyset{
		Keys:       []PublicKey{{ID: "a", Key: []byte("key-a")}},
		FetchTime:  now,
		ExpiryTime: now.Add(7 * 24 * time.Hour),
	}
	if err := s.SetPublicKeys(ctx, "https://helper.test/keys", keyset); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreRequest(ctx, newRequest(t, "https://r1.test", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	id2, err := s.StoreRequest(ctx, newRequest(t, "https://r2.test", now.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(24 * time.Hour)
	id3, err := s.StoreRequest(ctx, newRequest(t, "https://r1.test", now.Add(25*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}

	// A filter only deletes matching requests and keeps the keys.
	filter := func(origin string) bool { return origin == "https://r1.test" }
	if err := s.ClearDataBetween(ctx, now.Add(-time.Hour), now.Add(time.Hour), filter); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRequestsReportingOnOrBefore(ctx, maxTime, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RequestID{id2, id3}, ids(got)); diff != "" {
		t.Errorf("ids after filtered clear mismatch (-want +got):\n%s", diff)
	}
	if keys, err := s.GetPublicKeys(ctx, "https://helper.test/keys"); err != nil || len(keys) != 1 {
		t.Errorf("GetPublicKeys() after filtered clear = %v, %v, want one key", keys, err)
	}

	// Without a filter both tables are cleared.
	if err := s.ClearDataBetween(ctx, now.Add(-time.Hour), now.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetRequestsReportingOnOrBefore(ctx, maxTime, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RequestID{id3}, ids(got)); diff != "" {
		t.Errorf("ids after clear mismatch (-want +got):\n%s", diff)
	}
	if keys, err := s.GetPublicKeys(ctx, "https://helper.test/keys"); err != nil || len(keys) != 0 {
		t.Errorf("GetPublicKeys() after clear = %v, %v, want none", keys, err)
	}

	if err := s.ClearAllData(ctx); err != nil {
		t.Fatal(err)
	}
	origins, err := s.GetReportRequestReportingOrigins(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(origins) != 0 {
		t.Errorf("origins after ClearAllData = %v, want none", origins)
	}
}

func TestPublicKeys(t *testing.T) {
	s, clock := newStorage(t)
	ctx := context.Background()
	const url = "https://helper.test/keys"

	first := PublicKeyset{
		Keys:       []PublicKey{{ID: "a", Key: []byte("key-a")}, {ID: "b", Key: []byte("key-b")}},
		FetchTime:  now,
		ExpiryTime: now.Add(time.Hour),
	}
	if err := s.SetPublicKeys(ctx, url, first); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPublicKeys(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first.Keys, got); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}

	// A new keyset replaces the old one.
	second := PublicKeyset{
		Keys:       []PublicKey{{ID: "c", Key: []byte("key-c")}},
		FetchTime:  now,
		ExpiryTime: now.Add(time.Hour),
	}
	if err := s.SetPublicKeys(ctx, url, second); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetPublicKeys(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second.Keys, got); diff != "" {
		t.Errorf("replaced keys mismatch (-want +got):\n%s", diff)
	}

	// Expired keys are filtered at read time but still stored.
	clock.Advance(time.Hour)
	got, err = s.GetPublicKeys(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("GetPublicKeys() after expiry = %v, want none", got)
	}
	var stored int
	if err := s.db.GetContext(ctx, &stored, `SELECT COUNT(*) FROM keys`); err != nil {
		t.Fatal(err)
	}
	if stored != 1 {
		t.Errorf("stored keys = %d, want 1", stored)
	}

	if err := s.ClearPublicKeysExpiredBy(ctx, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.db.GetContext(ctx, &stored, `SELECT COUNT(*) FROM keys`); err != nil {
		t.Fatal(err)
	}
	if stored != 0 {
		t.Errorf("stored keys after ClearPublicKeysExpiredBy = %d, want 0", stored)
	}

	if got, err := s.GetPublicKeys(ctx, "https://unknown.test/keys"); err != nil || len(got) != 0 {
		t.Errorf("GetPublicKeys(unknown) = %v, %v, want none", got, err)
	}
}

func TestClearPublicKeysFetchedBetween(t *testing.T) {
	s, _ := newStorage(t)
	ctx := context.Background()

	for i, fetch := range []time.Time{now.Add(-2 * time.Hour), now} {
		url := []string{"https://old.test/keys", "https://new.test/keys"}[i]
		if err := s.SetPublicKeys(ctx, url, PublicKeyset{
			Keys:       []PublicKey{{ID: "k", Key: []byte("key")}},
			FetchTime:  fetch,
			ExpiryTime: now.Add(time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.ClearPublicKeysFetchedBetween(ctx, now.Add(-3*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetPublicKeys(ctx, "https://old.test/keys"); err != nil || len(got) != 0 {
		t.Errorf("old keys = %v, %v, want none", got, err)
	}
	if got, err := s.GetPublicKeys(ctx, "https://new.test/keys"); err != nil || len(got) != 1 {
		t.Errorf("new keys = %v, %v, want one", got, err)
	}

	if err := s.ClearPublicKeys(ctx, "https://new.test/keys"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetPublicKeys(ctx, "https://new.test/keys"); err != nil || len(got) != 0 {
		t.Errorf("new keys after ClearPublicKeys = %v, %v, want none", got, err)
	}
}
