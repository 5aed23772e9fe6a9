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

package aggregationservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregatablereport"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregationstorage"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/scheduler"
	"github.com/google/privacy-sandbox-attribution-reporting/storage/sqlstore"
	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

var now = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

const keyURL = "https://helper.test/keys"

type fakeKeys struct {
	err error
}

func (k *fakeKeys) GetPublicKey(ctx context.Context, url string) (aggregationstorage.PublicKey, error) {
	if k.err != nil {
		return aggregationstorage.PublicKey{}, k.err
	}
	if url != keyURL {
		return aggregationstorage.PublicKey{}, errors.New("unexpected key url " + url)
	}
	return aggregationstorage.PublicKey{ID: "key-1", Key: make([]byte, 32)}, nil
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(ctx context.Context, request *aggregatablereport.Request, key aggregationstorage.PublicKey) (*Report, error) {
	return &Report{SharedInfo: request.SharedInfo, Body: []byte(key.ID)}, nil
}

type sent struct {
	url  string
	body string
}

type fakeSender struct {
	mu     sync.Mutex
	status SendStatus
	sent   chan sent
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan sent, 16)}
}

func (s *fakeSender) setStatus(status SendStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *fakeSender) Send(ctx context.Context, url string, report *Report) SendResult {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	s.sent <- sent{url: url, body: string(report.Body)}
	if status != SendOK {
		return SendResult{Status: status, Err: errors.New("server error")}
	}
	return SendResult{Status: SendOK}
}

func (s *fakeSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case got := <-s.sent:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for send")
	}
	return sent{}
}

type fixture struct {
	storage *aggregationstorage.Storage
	clock   *quartz.Mock
	keys    *fakeKeys
	sender  *fakeSender
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now)
	storage, err := aggregationstorage.Open(context.Background(), sqlstore.MemoryPath, clock, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() })
	f := &fixture{storage: storage, clock: clock, keys: &fakeKeys{}, sender: newFakeSender()}
	f.service = New(storage, f.keys, fakeAssembler{}, f.sender, clock, Config{PublicKeyURL: keyURL}, nil)
	f.service.Start(context.Background())
	t.Cleanup(f.service.Stop)
	return f
}

func newRequest(t *testing.T, origin string, reportTime time.Time, debug bool) *aggregatablereport.Request {
	t.Helper()
	r, err := aggregatablereport.NewRequest(
		[]aggregatablereport.Contribution{{Bucket: uint128.From64(1), Value: 2}},
		aggregatablereport.SharedInfo{
			ScheduledReportTime: reportTime,
			ReportID:            uuid.New(),
			ReportingOrigin:     origin,
			APIVersion:          "0.1",
			DebugMode:           debug,
		},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func pendingIDs(t *testing.T, s *Service) []aggregationstorage.RequestID {
	t.Helper()
	pending, err := s.GetPendingReportRequestsForWebUI(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ids := []aggregationstorage.RequestID{}
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestReportURL(t *testing.T) {
	for _, tc := range []struct {
		info aggregatablereport.SharedInfo
		want string
	}{
		{
			info: aggregatablereport.SharedInfo{ReportingOrigin: "https://reporter.test"},
			want: "https://reporter.test/.well-known/attribution-reporting/report-aggregate-attribution",
		},
		{
			info: aggregatablereport.SharedInfo{ReportingOrigin: "https://reporter.test/", DebugMode: true},
			want: "https://reporter.test/.well-known/attribution-reporting/debug/report-aggregate-attribution",
		},
	} {
		if got := ReportURL(tc.info); got != tc.want {
			t.Errorf("ReportURL(%+v) = %q, want %q", tc.info, got, tc.want)
		}
	}
}

func TestScheduledReportIsSentAtReportTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.service.ScheduleReport(ctx, newRequest(t, "https://reporter.test", now.Add(time.Hour), false))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]aggregationstorage.RequestID{id}, pendingIDs(t, f.service)); diff != "" {
		t.Errorf("pending ids mismatch (-want +got):\n%s", diff)
	}

	// Wait for the scheduler to arm its timer.
	if _, err := f.service.scheduler.InFlight(ctx); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	d, w := f.clock.AdvanceNext()
	w.MustWait(waitCtx)
	if d != time.Hour {
		t.Errorf("advanced %v, want 1h", d)
	}

	want := sent{url: "https://reporter.test" + reportPath, body: "key-1"}
	if diff := cmp.Diff(want, f.sender.next(t), cmp.AllowUnexported(sent{})); diff != "" {
		t.Errorf("sent report mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.service.scheduler.InFlight(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSendReportsNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id1, err := f.service.ScheduleReport(ctx, newRequest(t, "https://a.test", now.Add(time.Hour), false))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := f.service.ScheduleReport(ctx, newRequest(t, "https://b.test", now.Add(2*time.Hour), true))
	if err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.service.SendReportsNow(ctx, []aggregationstorage.RequestID{id1, id2})
	if err != nil {
		t.Fatal(err)
	}
	want := []scheduler.Outcome{{ID: id1, Succeeded: true}, {ID: id2, Succeeded: true}}
	byID := cmpopts.SortSlices(func(a, b scheduler.Outcome) bool { return a.ID < b.ID })
	if diff := cmp.Diff(want, outcomes, byID); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if got := pendingIDs(t, f.service); len(got) != 0 {
		t.Errorf("pending after send: %v", got)
	}

	urls := map[string]bool{f.sender.next(t).url: true, f.sender.next(t).url: true}
	wantURLs := map[string]bool{
		"https://a.test" + reportPath:      true,
		"https://b.test" + debugReportPath: true,
	}
	if diff := cmp.Diff(wantURLs, urls); diff != "" {
		t.Errorf("sent urls mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedSendIsRescheduled(t *testing.T) {
	f := newFixture(t)
	f.sender.setStatus(SendTransientFailure)
	ctx := context.Background()

	id, err := f.service.ScheduleReport(ctx, newRequest(t, "https://a.test", now.Add(time.Hour), false))
	if err != nil {
		t.Fatal(err)
	}
	outcomes, err := f.service.SendReportsNow(ctx, []aggregationstorage.RequestID{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Succeeded || outcomes[0].Err == nil {
		t.Fatalf("got outcomes %+v, want one failure", outcomes)
	}

	pending, err := f.service.GetPendingReportRequestsForWebUI(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending requests, want 1", len(pending))
	}
	next, ok, err := f.storage.NextReportTimeAfter(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(scheduler.InitialRetryDelay); !ok || !next.Equal(want) {
		t.Errorf("rescheduled to (%v, %v), want %v", next, ok, want)
	}
	if got := pending[0].Request.FailedSendAttempts; got != 1 {
		t.Errorf("FailedSendAttempts = %d, want 1", got)
	}
}

func TestPermanentSendFailureIsDropped(t *testing.T) {
	f := newFixture(t)
	f.sender.setStatus(SendFailure)
	ctx := context.Background()

	id, err := f.service.ScheduleReport(ctx, newRequest(t, "https://a.test", now.Add(time.Hour), false))
	if err != nil {
		t.Fatal(err)
	}
	outcomes, err := f.service.SendReportsNow(ctx, []aggregationstorage.RequestID{id})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Succeeded || !outcomes[0].Permanent {
		t.Fatalf("got outcomes %+v, want one permanent failure", outcomes)
	}
	if got := pendingIDs(t, f.service); len(got) != 0 {
		t.Errorf("pending after permanent failure: %v", got)
	}
}

func TestKeyFetchFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.keys.err = errors.New("helper unavailable")

	result := f.service.AssembleAndSendReport(context.Background(), newRequest(t, "https://a.test", now, false))
	if result.Status != SendTransientFailure || result.Err == nil {
		t.Errorf("got %+v, want a transient failure", result)
	}
}

func TestAssembleAndSendReport(t *testing.T) {
	f := newFixture(t)

	result := f.service.AssembleAndSendReport(context.Background(), newRequest(t, "https://a.test", now, false))
	if result.Status != SendOK {
		t.Fatalf("got %+v, want success", result)
	}
	if got := f.sender.next(t).url; got != "https://a.test"+reportPath {
		t.Errorf("sent to %q", got)
	}
	if got := pendingIDs(t, f.service); len(got) != 0 {
		t.Errorf("immediate send stored requests: %v", got)
	}
}

func TestClearData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	idA, err := f.service.ScheduleReport(ctx, newRequest(t, "https://a.test", now.Add(time.Hour), false))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.ScheduleReport(ctx, newRequest(t, "https://b.test", now.Add(time.Hour), false)); err != nil {
		t.Fatal(err)
	}

	filter := func(origin string) bool { return origin == "https://b.test" }
	if err := f.service.ClearData(ctx, now.Add(-time.Minute), now.Add(time.Minute), filter); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]aggregationstorage.RequestID{idA}, pendingIDs(t, f.service)); diff != "" {
		t.Errorf("pending ids mismatch (-want +got):\n%s", diff)
	}

	if err := f.service.ClearData(ctx, now.Add(-time.Minute), now.Add(time.Minute), nil); err != nil {
		t.Fatal(err)
	}
	if got := pendingIDs(t, f.service); len(got) != 0 {
		t.Errorf("pending after clearing all: %v", got)
	}
}
