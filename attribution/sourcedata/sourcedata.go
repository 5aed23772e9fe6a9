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

// Package sourcedata serializes the read-only data of a stored source in protobuf wire format.
//
// The message has the following shape:
//
//	message ReadOnlySourceData {
//	  optional int32 max_event_level_reports = 1;
//	  optional int64 event_level_report_window_start_time = 2;  // microseconds
//	  repeated int64 event_level_report_window_end_times = 3;   // microseconds
//	}
package sourcedata

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/privacy-sandbox-attribution-reporting/attribution/eventreportwindows"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	maxEventLevelReportsField protowire.Number = 1
	windowStartTimeField      protowire.Number = 2
	windowEndTimesField       protowire.Number = 3
)

// ReadOnlySourceData is the part of a stored source that never changes after registration.
type ReadOnlySourceData struct {
	MaxEventLevelReports int32
	Windows              eventreportwindows.EventReportWindows
}

// Serialize encodes the data. End times are written packed.
func Serialize(data ReadOnlySourceData) []byte {
	var b []byte
	b = protowire.AppendTag(b, maxEventLevelReportsField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(data.MaxEventLevelReports)))
	b = protowire.AppendTag(b, windowStartTimeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(data.Windows.StartTime().Microseconds()))

	var packed []byte
	for _, e := range data.Windows.EndTimes() {
		packed = protowire.AppendVarint(packed, uint64(e.Microseconds()))
	}
	b = protowire.AppendTag(b, windowEndTimesField, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// Deserialize decodes data written by Serialize. Unknown fields are skipped and end times are
// accepted both packed and unpacked. The windows are validated with eventreportwindows.Create.
func Deserialize(b []byte) (ReadOnlySourceData, error) {
	var (
		maxReports int32
		start      time.Duration
		ends       []time.Duration
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ReadOnlySourceData{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == maxEventLevelReportsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ReadOnlySourceData{}, protowire.ParseError(n)
			}
			maxReports = int32(v)
			b = b[n:]
		case num == windowStartTimeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ReadOnlySourceData{}, protowire.ParseError(n)
			}
			start = time.Duration(int64(v)) * time.Microsecond
			b = b[n:]
		case num == windowEndTimesField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ReadOnlySourceData{}, protowire.ParseError(n)
			}
			ends = append(ends, time.Duration(int64(v))*time.Microsecond)
			b = b[n:]
		case num == windowEndTimesField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ReadOnlySourceData{}, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return ReadOnlySourceData{}, protowire.ParseError(m)
				}
				ends = append(ends, time.Duration(int64(v))*time.Microsecond)
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ReadOnlySourceData{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if maxReports < 0 {
		return ReadOnlySourceData{}, fmt.Errorf("max event-level reports %d must be non-negative", maxReports)
	}
	if len(ends) == 0 {
		return ReadOnlySourceData{}, errors.New("missing event-level report window end times")
	}
	windows, err := eventreportwindows.Create(start, ends)
	if err != nil {
		return ReadOnlySourceData{}, err
	}
	return ReadOnlySourceData{MaxEventLevelReports: maxReports, Windows: windows}, nil
}
