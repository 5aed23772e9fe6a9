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

// Package eventreportwindows contains the report windows of an event-level source: a start offset
// and a sorted set of end offsets relative to the source registration time.
package eventreportwindows

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/privacy-sandbox-attribution-reporting/attribution/attributiontypes"
)

// ReportDeadlineOffset is added to a window end to get the report time, giving the browser time to
// flush the report after the window closes.
const ReportDeadlineOffset = time.Hour

// Early window ends used for navigation sources when the registration declares none.
var defaultNavigationEarlyEnds = []time.Duration{2 * 24 * time.Hour, 7 * 24 * time.Hour}

// WindowResult is the position of a trigger moment relative to the windows.
type WindowResult int

// Window results.
const (
	NotStarted WindowResult = iota
	FallsWithin
	Passed
)

func (r WindowResult) String() string {
	switch r {
	case NotStarted:
		return "NotStarted"
	case FallsWithin:
		return "FallsWithin"
	case Passed:
		return "Passed"
	default:
		return fmt.Sprintf("WindowResult(%d)", int(r))
	}
}

// EventReportWindows is immutable once created. The zero value is not valid; use Create or
// CreateAndTruncate.
type EventReportWindows struct {
	startTime time.Duration
	endTimes  []time.Duration
}

// Create returns windows with the given start time and end times. End times are sorted and
// deduplicated; the call fails if none remain, if startTime is negative, or if the first end time
// is not after startTime.
func Create(startTime time.Duration, endTimes []time.Duration) (EventReportWindows, error) {
	if startTime < 0 {
		return EventReportWindows{}, fmt.Errorf("start time %v must be non-negative", startTime)
	}
	ends := append([]time.Duration(nil), endTimes...)
	sort.Slice(ends, func(i, j int) bool { return ends[i] < ends[j] })
	deduped := ends[:0]
	for i, e := range ends {
		if i == 0 || e != ends[i-1] {
			deduped = append(deduped, e)
		}
	}
	if len(deduped) == 0 {
		return EventReportWindows{}, errors.New("end times must be non-empty")
	}
	if deduped[0] <= startTime {
		return EventReportWindows{}, fmt.Errorf("first end time %v must be greater than start time %v", deduped[0], startTime)
	}
	return EventReportWindows{startTime: startTime, endTimes: deduped}, nil
}

// CreateAndTruncate drops every end time at or after expiry and appends expiry as the final end
// time, so the last window always closes exactly at expiry.
func CreateAndTruncate(startTime time.Duration, endTimes []time.Duration, expiry time.Duration) (EventReportWindows, error) {
	if expiry <= startTime {
		return EventReportWindows{}, fmt.Errorf("expiry %v must be greater than start time %v", expiry, startTime)
	}
	var truncated []time.Duration
	for _, e := range endTimes {
		if e < expiry {
			truncated = append(truncated, e)
		}
	}
	return Create(startTime, append(truncated, expiry))
}

// Default returns the windows used when a source registration does not declare any.
func Default(sourceType attributiontypes.SourceType, expiry time.Duration) (EventReportWindows, error) {
	var early []time.Duration
	if sourceType == attributiontypes.SourceTypeNavigation {
		early = defaultNavigationEarlyEnds
	}
	return CreateAndTruncate(0, early, expiry)
}

// StartTime returns the start offset.
func (w EventReportWindows) StartTime() time.Duration {
	return w.startTime
}

// EndTimes returns a copy of the sorted end offsets.
func (w EventReportWindows) EndTimes() []time.Duration {
	return append([]time.Duration(nil), w.endTimes...)
}

// NumWindows returns the number of windows.
func (w EventReportWindows) NumWindows() int {
	return len(w.endTimes)
}

// Equal reports whether two windows have the same start and end times.
func (w EventReportWindows) Equal(other EventReportWindows) bool {
	if w.startTime != other.startTime || len(w.endTimes) != len(other.endTimes) {
		return false
	}
	for i := range w.endTimes {
		if w.endTimes[i] != other.endTimes[i] {
			return false
		}
	}
	return true
}

// ComputeReportTime returns the report time for a trigger: the end of the first window that closes
// at or after the trigger (the last window otherwise) plus ReportDeadlineOffset.
func (w EventReportWindows) ComputeReportTime(sourceTime, triggerTime time.Time) time.Time {
	end := w.endTimes[len(w.endTimes)-1]
	for _, e := range w.endTimes {
		if !sourceTime.Add(e).Before(triggerTime) {
			end = e
			break
		}
	}
	return sourceTime.Add(end + ReportDeadlineOffset)
}

// ReportTimeAtWindow returns the report time of the window at index, which must be in
// [0, NumWindows()).
func (w EventReportWindows) ReportTimeAtWindow(sourceTime time.Time, index int) time.Time {
	return sourceTime.Add(w.endTimes[index] + ReportDeadlineOffset)
}

// FallsWithin locates a trigger moment, given as an offset from the source time. Windows are
// closed at the start and open at the last end.
func (w EventReportWindows) FallsWithin(triggerMoment time.Duration) WindowResult {
	if triggerMoment < w.startTime {
		return NotStarted
	}
	if triggerMoment >= w.endTimes[len(w.endTimes)-1] {
		return Passed
	}
	return FallsWithin
}

type windowsJSON struct {
	StartTime *float64  `json:"start_time,omitempty"`
	EndTimes  []float64 `json:"end_times"`
}

// MarshalJSON encodes the windows in whole seconds; sub-second precision is truncated.
func (w EventReportWindows) MarshalJSON() ([]byte, error) {
	start := float64(int64(w.startTime / time.Second))
	ends := make([]float64, len(w.endTimes))
	for i, e := range w.endTimes {
		ends[i] = float64(int64(e / time.Second))
	}
	return json.Marshal(windowsJSON{StartTime: &start, EndTimes: ends})
}

// UnmarshalJSON decodes {"start_time": seconds, "end_times": [seconds, ...]}. A missing start_time
// means zero.
func (w *EventReportWindows) UnmarshalJSON(b []byte) error {
	parsed, err := ParseJSON(b)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// ParseJSON parses the JSON form of the windows and validates it with Create.
func ParseJSON(b []byte) (EventReportWindows, error) {
	var raw windowsJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return EventReportWindows{}, err
	}
	var start time.Duration
	if raw.StartTime != nil {
		var err error
		if start, err = secondsToDuration(*raw.StartTime); err != nil {
			return EventReportWindows{}, fmt.Errorf("start time: %w", err)
		}
	}
	ends := make([]time.Duration, len(raw.EndTimes))
	for i, e := range raw.EndTimes {
		if e < 0 {
			return EventReportWindows{}, fmt.Errorf("end time %v must be non-negative", e)
		}
		d, err := secondsToDuration(e)
		if err != nil {
			return EventReportWindows{}, fmt.Errorf("end time: %w", err)
		}
		ends[i] = d
	}
	return Create(start, ends)
}

// maxSeconds is the largest whole number of seconds a time.Duration holds.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// secondsToDuration truncates s to whole seconds, the granularity of the JSON form.
func secondsToDuration(s float64) (time.Duration, error) {
	if s > float64(maxSeconds) || s < -float64(maxSeconds) {
		return 0, fmt.Errorf("%v seconds is out of range", s)
	}
	return time.Duration(int64(s)) * time.Second, nil
}
