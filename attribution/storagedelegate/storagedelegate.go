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

// Package storagedelegate contains the noise and delay policy applied by the attribution storage:
// report times, randomized response, null aggregatable reports and offline jitter.
package storagedelegate

import (
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/google/differential-privacy/go/v2/rand"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/combinatorics"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/delegateconfig"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/eventreportwindows"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/metrics"
	"github.com/google/uuid"
)

// ErrExceedsChannelCapacityLimit means a source configuration leaks more information than allowed
// for its source type. The source registration must be rejected.
var ErrExceedsChannelCapacityLimit = errors.New("randomized response exceeds the channel capacity limit")

// Delegate is consumed by the attribution storage write path.
type Delegate interface {
	GetEventLevelReportTime(windows eventreportwindows.EventReportWindows, sourceTime, triggerTime time.Time) time.Time
	GetAggregatableReportTime(triggerTime time.Time) time.Time
	GetRandomizedResponse(sourceType attributiontypes.SourceType, windows eventreportwindows.EventReportWindows, maxReports int, sourceTime time.Time) (attributiontypes.RandomizedResponseData, error)
	GetNullAggregatableReports(triggerTime time.Time, attributedSourceTime *time.Time, srtConfig attributiontypes.SourceRegistrationTimeConfig) []attributiontypes.NullAggregatableReport
	NewReportID() uuid.UUID
	ShuffleReports(reports []attributiontypes.FakeReport)
}

// RandSource is the randomness used by the delegate. Draws must be uniform.
type RandSource interface {
	// Uniform returns a float64 in (0, 1].
	Uniform() float64
	// I63n returns an integer in [0, n).
	I63n(n int64) int64
}

type dpRand struct{}

func (dpRand) Uniform() float64 { return rand.Uniform() }
func (dpRand) I63n(n int64) int64 { return rand.I63n(n) }

// Impl is the production Delegate.
type Impl struct {
	cfg     *delegateconfig.Config
	rng     RandSource
	metrics *metrics.Metrics
}

var _ Delegate = (*Impl)(nil)

// New returns a delegate for cfg. A nil rng uses the differential privacy library's
// cryptographically secure source; m may be nil.
func New(cfg *delegateconfig.Config, rng RandSource, m *metrics.Metrics) *Impl {
	if rng == nil {
		rng = dpRand{}
	}
	return &Impl{cfg: cfg, rng: rng, metrics: m}
}

// Config returns the configuration the delegate was built with.
func (d *Impl) Config() *delegateconfig.Config {
	return d.cfg
}

// TriggerDataCardinality returns the number of distinct trigger data values for a source type.
func (d *Impl) TriggerDataCardinality(sourceType attributiontypes.SourceType) uint64 {
	return d.cfg.TriggerDataCardinality.Get(sourceType)
}

// GetMaxEventLevelReports returns the default number of event-level reports per source.
func (d *Impl) GetMaxEventLevelReports(sourceType attributiontypes.SourceType) int {
	return d.cfg.MaxEventLevelReports.Get(sourceType)
}

// GetEventLevelReportTime returns when an event-level report for the trigger is sent.
func (d *Impl) GetEventLevelReportTime(windows eventreportwindows.EventReportWindows, sourceTime, triggerTime time.Time) time.Time {
	if d.cfg.DelayMode == delegateconfig.DelayModeNone {
		return triggerTime
	}
	return windows.ComputeReportTime(sourceTime, triggerTime)
}

// GetAggregatableReportTime returns when an aggregatable report for the trigger is sent.
func (d *Impl) GetAggregatableReportTime(triggerTime time.Time) time.Time {
	if d.cfg.DelayMode == delegateconfig.DelayModeNone {
		return triggerTime
	}
	t := triggerTime.Add(d.cfg.AggregatableReportMinDelay)
	if span := int64(d.cfg.AggregatableReportDelaySpan); span > 0 {
		t = t.Add(time.Duration(d.rng.I63n(span)))
	}
	return t
}

// GetOfflineReportDelayConfig returns the jitter range for reports whose time passed while the
// browser was offline. The second result is false when reports are not delayed.
func (d *Impl) GetOfflineReportDelayConfig() (delegateconfig.OfflineReportDelay, bool) {
	if d.cfg.DelayMode == delegateconfig.DelayModeNone {
		return delegateconfig.OfflineReportDelay{}, false
	}
	return d.cfg.OfflineReportDelay, true
}

// NewReportID returns a random report id.
func (d *Impl) NewReportID() uuid.UUID {
	return uuid.New()
}

// ShuffleReports permutes reports in place. It does nothing when noise is disabled.
func (d *Impl) ShuffleReports(reports []attributiontypes.FakeReport) {
	if d.cfg.NoiseMode == delegateconfig.NoiseModeNone {
		return
	}
	for i := len(reports) - 1; i > 0; i-- {
		j := int(d.rng.I63n(int64(i + 1)))
		reports[i], reports[j] = reports[j], reports[i]
	}
}

func (d *Impl) numStates(sourceType attributiontypes.SourceType, windows eventreportwindows.EventReportWindows, maxReports int) (int64, error) {
	numBars := d.TriggerDataCardinality(sourceType) * uint64(windows.NumWindows())
	return combinatorics.NumberOfStarsAndBarsSequences(maxReports, int(numBars))
}

// GetRandomizedResponse applies randomized response to a source. The flip rate is always
// returned; the response is nil unless the true outcome was replaced.
func (d *Impl) GetRandomizedResponse(sourceType attributiontypes.SourceType, windows eventreportwindows.EventReportWindows, maxReports int, sourceTime time.Time) (attributiontypes.RandomizedResponseData, error) {
	numStates, err := d.numStates(sourceType, windows, maxReports)
	if err != nil {
		d.metrics.RecordRandomizedResponse(sourceType.String(), "rejected")
		return attributiontypes.RandomizedResponseData{}, fmt.Errorf("%w: %v", ErrExceedsChannelCapacityLimit, err)
	}
	rate := combinatorics.GetRandomizedResponseRate(numStates, d.cfg.RandomizedResponseEpsilon)
	if capacity, limit := combinatorics.ComputeChannelCapacity(numStates, rate), d.cfg.MaxChannelCapacity.Get(sourceType); capacity > limit {
		d.metrics.RecordRandomizedResponse(sourceType.String(), "rejected")
		return attributiontypes.RandomizedResponseData{}, fmt.Errorf("%w: %s source has %.5f bits, limit %.5f", ErrExceedsChannelCapacityLimit, sourceType, capacity, limit)
	}

	if d.cfg.NoiseMode == delegateconfig.NoiseModeNone {
		d.metrics.RecordRandomizedResponse(sourceType.String(), "disabled")
		return attributiontypes.RandomizedResponseData{Rate: rate}, nil
	}
	if d.rng.Uniform() > rate {
		d.metrics.RecordRandomizedResponse(sourceType.String(), "unchanged")
		return attributiontypes.RandomizedResponseData{Rate: rate}, nil
	}

	fake, err := d.GetFakeReportsForSequenceIndex(sourceType, windows, maxReports, sourceTime, d.rng.I63n(numStates))
	if err != nil {
		return attributiontypes.RandomizedResponseData{}, err
	}
	d.metrics.RecordRandomizedResponse(sourceType.String(), "noised")
	return attributiontypes.RandomizedResponseData{Rate: rate, Response: fake}, nil
}

// GetFakeReportsForSequenceIndex materializes the output state at sequenceIndex as fake reports.
// The result is never nil.
func (d *Impl) GetFakeReportsForSequenceIndex(sourceType attributiontypes.SourceType, windows eventreportwindows.EventReportWindows, maxReports int, sourceTime time.Time, sequenceIndex int64) ([]attributiontypes.FakeReport, error) {
	cardinality := d.TriggerDataCardinality(sourceType)
	numBars := int(cardinality) * windows.NumWindows()
	stars, err := combinatorics.GetStarIndices(maxReports, numBars, sequenceIndex)
	if err != nil {
		return nil, err
	}

	fake := make([]attributiontypes.FakeReport, 0, maxReports)
	for _, bars := range combinatorics.GetBarsPrecedingEachStar(stars) {
		// A star with no bar before it is an empty report slot.
		if bars == 0 {
			continue
		}
		windowIndex := uint64(bars-1) / cardinality
		reportTime := windows.ReportTimeAtWindow(sourceTime, int(windowIndex))
		fake = append(fake, attributiontypes.FakeReport{
			TriggerData: uint64(bars-1) % cardinality,
			TriggerTime: reportTime.Add(-eventreportwindows.ReportDeadlineOffset),
			ReportTime:  reportTime,
		})
	}
	return fake, nil
}

func roundDownToDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// GetNullAggregatableReports returns fake aggregatable reports to send alongside a trigger so that
// the presence of a real report does not reveal whether the trigger attributed.
//
// attributedSourceTime is nil when the trigger did not attribute.
func (d *Impl) GetNullAggregatableReports(triggerTime time.Time, attributedSourceTime *time.Time, srtConfig attributiontypes.SourceRegistrationTimeConfig) []attributiontypes.NullAggregatableReport {
	if d.cfg.NoiseMode == delegateconfig.NoiseModeNone {
		return nil
	}

	// Without the source time in the report, a real report already occupies the only slot.
	rate, lookbackDays, skipDay := d.cfg.NullReportRates.ExcludeSourceRegistrationTime, 1, -1
	latestSourceTime := triggerTime
	if srtConfig == attributiontypes.SourceRegistrationTimeInclude {
		rate, lookbackDays = d.cfg.NullReportRates.IncludeSourceRegistrationTime, d.cfg.NullReportLookbackDays
		// Reported source times are whole days.
		latestSourceTime = roundDownToDay(triggerTime)
		if attributedSourceTime != nil {
			skipDay = int(roundDownToDay(triggerTime).Sub(roundDownToDay(*attributedSourceTime)) / (24 * time.Hour))
		}
	} else if attributedSourceTime != nil {
		return nil
	}

	var reports []attributiontypes.NullAggregatableReport
	for day := 0; day < lookbackDays; day++ {
		if day == skipDay {
			continue
		}
		if d.rng.Uniform() <= rate {
			reports = append(reports, attributiontypes.NullAggregatableReport{
				FakeSourceTime: latestSourceTime.Add(-time.Duration(day) * 24 * time.Hour),
			})
		}
	}
	if len(reports) > 0 {
		log.V(2).Infof("generated %d null aggregatable reports for trigger at %v", len(reports), triggerTime)
	}
	return reports
}
