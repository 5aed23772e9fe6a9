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

// Package aggregationservice stores aggregatable report requests and sends them at their report
// time. Assembling and sending a report are delegated to an Assembler and a Sender.
package aggregationservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregatablereport"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregationstorage"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/scheduler"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	reportPath      = "/.well-known/attribution-reporting/report-aggregate-attribution"
	debugReportPath = "/.well-known/attribution-reporting/debug/report-aggregate-attribution"

	// maxPendingForWebUI caps the requests returned by GetPendingReportRequestsForWebUI.
	maxPendingForWebUI = 1000
	// maxConcurrentSends caps the requests assembled and sent at once.
	maxConcurrentSends = 10
)

// Report is an assembled aggregatable report.
type Report struct {
	SharedInfo aggregatablereport.SharedInfo
	Body       []byte
}

// Assembler encrypts a request's contributions for the given public key.
type Assembler interface {
	Assemble(ctx context.Context, request *aggregatablereport.Request, key aggregationstorage.PublicKey) (*Report, error)
}

// Sender delivers a report to url.
type Sender interface {
	Send(ctx context.Context, url string, report *Report) SendResult
}

// KeySource returns a public key of the aggregation helper server at url.
type KeySource interface {
	GetPublicKey(ctx context.Context, url string) (aggregationstorage.PublicKey, error)
}

// SendStatus is the outcome of sending one report.
type SendStatus int

const (
	// SendOK means the report was delivered.
	SendOK SendStatus = iota
	// SendTransientFailure means the send may succeed later. The request is retried.
	SendTransientFailure
	// SendFailure means the report can never be delivered. The request is dropped.
	SendFailure
)

// SendResult is returned once per Send call. Err is set unless Status is SendOK.
type SendResult struct {
	Status SendStatus
	Err    error
}

// Config configures the service.
type Config struct {
	// PublicKeyURL is where the helper server publishes its public keys.
	PublicKeyURL string
	Scheduler    scheduler.Config
}

// Service is the entry point for aggregatable reports.
type Service struct {
	storage   *aggregationstorage.Storage
	keys      KeySource
	assembler Assembler
	sender    Sender
	cfg       Config
	scheduler *scheduler.Scheduler
}

// New returns a service. Call Start before scheduling reports. m may be nil.
func New(storage *aggregationstorage.Storage, keys KeySource, assembler Assembler, sender Sender, clock quartz.Clock, cfg Config, m *metrics.Metrics) *Service {
	s := &Service{
		storage:   storage,
		keys:      keys,
		assembler: assembler,
		sender:    sender,
		cfg:       cfg,
	}
	s.scheduler = scheduler.New(storage, clock, s, cfg.Scheduler, m)
	return s
}

// Start starts firing stored requests.
func (s *Service) Start(ctx context.Context) {
	s.scheduler.Start(ctx)
}

// Stop stops the scheduler. Stored requests are kept.
func (s *Service) Stop() {
	s.scheduler.Stop()
}

// ReportURL returns where the report for info is sent.
func ReportURL(info aggregatablereport.SharedInfo) string {
	origin := strings.TrimSuffix(info.ReportingOrigin, "/")
	if info.DebugMode {
		return origin + debugReportPath
	}
	return origin + reportPath
}

// ScheduleReport stores request and sends it at its scheduled report time.
func (s *Service) ScheduleReport(ctx context.Context, request *aggregatablereport.Request) (aggregationstorage.RequestID, error) {
	id, err := s.storage.StoreRequest(ctx, request)
	if err != nil {
		return 0, err
	}
	s.scheduler.ScheduleRun(ctx, request.SharedInfo.ScheduledReportTime)
	return id, nil
}

// AssembleAndSendReport sends request immediately without storing it.
func (s *Service) AssembleAndSendReport(ctx context.Context, request *aggregatablereport.Request) SendResult {
	return s.assembleAndSend(ctx, request)
}

func (s *Service) assembleAndSend(ctx context.Context, request *aggregatablereport.Request) SendResult {
	key, err := s.keys.GetPublicKey(ctx, s.cfg.PublicKeyURL)
	if err != nil {
		return SendResult{Status: SendTransientFailure, Err: fmt.Errorf("fetching public key: %w", err)}
	}
	report, err := s.assembler.Assemble(ctx, request, key)
	if err != nil {
		return SendResult{Status: SendFailure, Err: fmt.Errorf("assembling report %s: %w", request.SharedInfo.ReportID, err)}
	}
	result := s.sender.Send(ctx, ReportURL(request.SharedInfo), report)
	if result.Status != SendOK && result.Err == nil {
		result.Err = errors.New("send failed")
	}
	return result
}

// Dispatch assembles and sends requests concurrently. It returns immediately and reports each
// outcome through done.
func (s *Service) Dispatch(ctx context.Context, requests []aggregationstorage.RequestAndID, done func(scheduler.Outcome)) {
	go func() {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentSends)
		for _, r := range requests {
			r := r
			g.Go(func() error {
				result := s.assembleAndSend(ctx, r.Request)
				done(scheduler.Outcome{
					ID:        r.ID,
					Succeeded: result.Status == SendOK,
					Permanent: result.Status == SendFailure,
					Err:       result.Err,
				})
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// GetPendingReportRequestsForWebUI returns stored requests ordered by report time.
func (s *Service) GetPendingReportRequestsForWebUI(ctx context.Context) ([]aggregationstorage.RequestAndID, error) {
	return s.storage.GetRequestsReportingOnOrBefore(ctx, time.UnixMicro(1<<63-1), maxPendingForWebUI)
}

// SendReportsNow sends the given requests regardless of their report time and waits for their
// outcomes. Unknown ids are ignored.
func (s *Service) SendReportsNow(ctx context.Context, ids []aggregationstorage.RequestID) ([]scheduler.Outcome, error) {
	ch, err := s.scheduler.SendNow(ctx, ids)
	if err != nil {
		return nil, err
	}
	var outcomes []scheduler.Outcome
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return outcomes, nil
			}
			outcomes = append(outcomes, o)
		case <-ctx.Done():
			return outcomes, ctx.Err()
		}
	}
}

// ClearData deletes the requests created in [begin, end] whose reporting origin matches filter,
// or all data in the range when filter is nil.
func (s *Service) ClearData(ctx context.Context, begin, end time.Time, filter aggregationstorage.OriginFilter) error {
	if err := s.storage.ClearDataBetween(ctx, begin, end, filter); err != nil {
		return err
	}
	log.V(1).Infof("cleared aggregation data between %v and %v", begin, end)
	return nil
}
