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

// Package scheduler fires aggregatable report requests when their report time is reached and
// applies the retry policy to their outcomes.
//
// A single goroutine owns the timer, the in-flight set and all storage writes; other goroutines
// post messages to it.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregationstorage"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/metrics"
)

const (
	// MaxRetries is the number of failed sends after which a request is dropped.
	MaxRetries = 2
	// InitialRetryDelay is multiplied by 3 for each previous failure.
	InitialRetryDelay = 5 * time.Minute

	timerTag = "scheduler"
)

// Outcome is the result of assembling and sending one request. Exactly one Outcome is delivered
// per dispatched request.
type Outcome struct {
	ID        aggregationstorage.RequestID
	Succeeded bool
	// Permanent marks a failure that retrying cannot fix. The request is dropped.
	Permanent bool
	Err       error
}

// Dispatcher assembles and sends requests. Dispatch must return without waiting for the sends. It
// must call done once for every request, from any goroutine other than the caller's. Calls after
// the first for the same request are ignored.
type Dispatcher interface {
	Dispatch(ctx context.Context, requests []aggregationstorage.RequestAndID, done func(Outcome))
}

// Config controls the scheduler.
type Config struct {
	// OfflineDelayMin and OfflineDelayMax bound the delay applied at start to requests whose report
	// time passed while the scheduler was not running. The adjustment is skipped when both are zero.
	OfflineDelayMin, OfflineDelayMax time.Duration
}

// RetryTime returns when a request that has failed previousFailures times before the current
// failure is retried. The second result is false when the request should be dropped.
func RetryTime(now time.Time, previousFailures int) (time.Time, bool) {
	if previousFailures >= MaxRetries {
		return time.Time{}, false
	}
	delay := InitialRetryDelay
	for i := 0; i < previousFailures; i++ {
		delay *= 3
	}
	return now.Add(delay), true
}

type message interface{}

type scheduleRunMsg struct {
	reportTime time.Time
}

type fireMsg struct{}

type outcomeMsg struct {
	outcome Outcome
}

type sendNowMsg struct {
	ids   []aggregationstorage.RequestID
	reply chan (<-chan Outcome)
}

type inFlightMsg struct {
	reply chan []aggregationstorage.RequestID
}

// waiter collects the outcomes of a SendNow call.
type waiter struct {
	remaining int
	ch        chan Outcome
}

// Scheduler fires stored requests at their report time.
type Scheduler struct {
	storage    *aggregationstorage.Storage
	clock      quartz.Clock
	dispatcher Dispatcher
	cfg        Config
	metrics    *metrics.Metrics

	msgs   chan message
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the run goroutine.
	timer    *quartz.Timer
	armedAt  time.Time
	inFlight map[aggregationstorage.RequestID]bool
	waiters  map[aggregationstorage.RequestID][]*waiter
}

// New returns a scheduler. m may be nil.
func New(storage *aggregationstorage.Storage, clock quartz.Clock, dispatcher Dispatcher, cfg Config, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		storage:    storage,
		clock:      clock,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    m,
		msgs:       make(chan message, 64),
		inFlight:   make(map[aggregationstorage.RequestID]bool),
		waiters:    make(map[aggregationstorage.RequestID][]*waiter),
	}
}

// Start launches the scheduler goroutine. Requests already stored are scheduled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop stops the scheduler and waits for its goroutine to exit. Requests in flight keep their
// stored rows and are fired again after the next Start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) post(ctx context.Context, msg message) bool {
	select {
	case s.msgs <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// ScheduleRun makes sure the scheduler fires no later than reportTime. Call it after storing a
// request.
func (s *Scheduler) ScheduleRun(ctx context.Context, reportTime time.Time) {
	s.post(ctx, scheduleRunMsg{reportTime: reportTime})
}

// SendNow dispatches the given requests immediately. The returned channel receives one Outcome per
// request that was found in storage and is closed after the last one has been applied.
func (s *Scheduler) SendNow(ctx context.Context, ids []aggregationstorage.RequestID) (<-chan Outcome, error) {
	reply := make(chan (<-chan Outcome), 1)
	if !s.post(ctx, sendNowMsg{ids: ids, reply: reply}) {
		return nil, ctx.Err()
	}
	select {
	case ch := <-reply:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight returns the ids of the requests dispatched and awaiting an outcome.
func (s *Scheduler) InFlight(ctx context.Context) ([]aggregationstorage.RequestID, error) {
	reply := make(chan []aggregationstorage.RequestID, 1)
	if !s.post(ctx, inFlightMsg{reply: reply}) {
		return nil, ctx.Err()
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		if s.timer != nil {
			s.timer.Stop(timerTag)
		}
	}()

	if s.cfg.OfflineDelayMin != 0 || s.cfg.OfflineDelayMax != 0 {
		if _, _, err := s.storage.AdjustOfflineReportTimes(ctx, s.cfg.OfflineDelayMin, s.cfg.OfflineDelayMax); err != nil {
			log.Errorf("adjusting offline report times: %v", err)
		}
	}
	if next, ok, err := s.storage.NextReportTimeAfter(ctx, time.Time{}); err != nil {
		log.Errorf("reading next report time: %v", err)
	} else if ok {
		s.arm(ctx, next)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			s.handle(ctx, msg)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case scheduleRunMsg:
		s.arm(ctx, m.reportTime)
	case fireMsg:
		s.armedAt = time.Time{}
		s.fire(ctx)
	case outcomeMsg:
		s.applyOutcome(ctx, m.outcome)
	case sendNowMsg:
		m.reply <- s.sendNow(ctx, m.ids)
	case inFlightMsg:
		ids := make([]aggregationstorage.RequestID, 0, len(s.inFlight))
		for id := range s.inFlight {
			ids = append(ids, id)
		}
		m.reply <- ids
	default:
		log.Errorf("scheduler: unknown message %T", msg)
	}
}

// arm sets the timer to fire at t unless it is already set to fire earlier. Times that have
// already passed fire immediately.
func (s *Scheduler) arm(ctx context.Context, t time.Time) {
	now := s.clock.Now()
	if !t.After(now) {
		s.fire(ctx)
		return
	}
	if !s.armedAt.IsZero() && !t.Before(s.armedAt) {
		return
	}
	s.armedAt = t
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(t.Sub(now), func() { s.post(ctx, fireMsg{}) }, timerTag)
		return
	}
	s.timer.Reset(t.Sub(now), timerTag)
}

// fire dispatches every due request that is not already in flight and arms the timer for the next
// one.
func (s *Scheduler) fire(ctx context.Context) {
	now := s.clock.Now()
	requests, err := s.storage.GetRequestsReportingOnOrBefore(ctx, now, 0)
	if err != nil {
		log.Errorf("reading due requests: %v", err)
		return
	}
	s.dispatch(ctx, requests)

	next, ok, err := s.storage.NextReportTimeAfter(ctx, now)
	if err != nil {
		log.Errorf("reading next report time: %v", err)
		return
	}
	if ok {
		s.arm(ctx, next)
	}
}

// dispatch hands the requests that are not in flight to the dispatcher.
func (s *Scheduler) dispatch(ctx context.Context, requests []aggregationstorage.RequestAndID) {
	var batch []aggregationstorage.RequestAndID
	for _, r := range requests {
		if s.inFlight[r.ID] {
			continue
		}
		s.inFlight[r.ID] = true
		batch = append(batch, r)
	}
	if len(batch) == 0 {
		return
	}

	once := make(map[aggregationstorage.RequestID]*sync.Once, len(batch))
	for _, r := range batch {
		once[r.ID] = &sync.Once{}
	}
	done := func(o Outcome) {
		guard, ok := once[o.ID]
		if !ok {
			log.Warningf("scheduler: outcome for request %d that was not dispatched", o.ID)
			return
		}
		guard.Do(func() { s.post(ctx, outcomeMsg{outcome: o}) })
	}
	log.V(1).Infof("dispatching %d aggregatable report requests", len(batch))
	s.dispatcher.Dispatch(ctx, batch, done)
}

func (s *Scheduler) sendNow(ctx context.Context, ids []aggregationstorage.RequestID) <-chan Outcome {
	requests, err := s.storage.GetRequests(ctx, ids)
	if err != nil {
		log.Errorf("reading requests to send now: %v", err)
	}
	w := &waiter{remaining: len(requests), ch: make(chan Outcome, len(requests))}
	if len(requests) == 0 {
		close(w.ch)
		return w.ch
	}
	for _, r := range requests {
		s.waiters[r.ID] = append(s.waiters[r.ID], w)
	}
	s.dispatch(ctx, requests)
	return w.ch
}

// applyOutcome deletes a sent request, or reschedules or drops a failed one.
func (s *Scheduler) applyOutcome(ctx context.Context, o Outcome) {
	if !s.inFlight[o.ID] {
		log.Warningf("scheduler: ignoring outcome for request %d that is not in flight", o.ID)
		return
	}
	delete(s.inFlight, o.ID)
	defer s.notifyWaiters(o)

	if o.Succeeded {
		s.metrics.RecordReportSend("succeeded")
		if err := s.storage.DeleteRequest(ctx, o.ID); err != nil {
			log.Errorf("deleting sent request %d: %v", o.ID, err)
		}
		return
	}

	log.Warningf("sending aggregatable report request %d failed: %v", o.ID, o.Err)
	requests, err := s.storage.GetRequests(ctx, []aggregationstorage.RequestID{o.ID})
	if err != nil {
		log.Errorf("reading failed request %d: %v", o.ID, err)
		return
	}
	if len(requests) == 0 {
		return
	}
	now := s.clock.Now()
	retryAt, retry := RetryTime(now, requests[0].Request.FailedSendAttempts)
	if !retry || o.Permanent {
		s.metrics.RecordReportSend("dropped")
		if err := s.storage.DeleteRequest(ctx, o.ID); err != nil {
			log.Errorf("deleting failed request %d: %v", o.ID, err)
		}
		return
	}
	s.metrics.RecordReportSend("rescheduled")
	if _, err := s.storage.UpdateReportForSendFailure(ctx, o.ID, retryAt); err != nil {
		log.Errorf("rescheduling request %d: %v", o.ID, err)
		return
	}
	s.arm(ctx, retryAt)
}

func (s *Scheduler) notifyWaiters(o Outcome) {
	for _, w := range s.waiters[o.ID] {
		w.ch <- o
		w.remaining--
		if w.remaining == 0 {
			close(w.ch)
		}
	}
	delete(s.waiters, o.ID)
}
