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

package sourcedata

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/eventreportwindows"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestSerializeDeserialize(t *testing.T) {
	windows, err := eventreportwindows.Create(time.Hour, []time.Duration{2 * time.Hour, 48*time.Hour + 1500*time.Microsecond})
	if err != nil {
		t.Fatal(err)
	}
	want := ReadOnlySourceData{MaxEventLevelReports: 3, Windows: windows}
	got, err := Deserialize(Serialize(want))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("source data mismatch (-want +got):\n%s", diff)
	}
}

func TestDeserializeUnpackedAndUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, maxEventLevelReportsField, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	for _, us := range []uint64{20e6, 10e6} {
		b = protowire.AppendTag(b, windowEndTimesField, protowire.VarintType)
		b = protowire.AppendVarint(b, us)
	}

	got, err := Deserialize(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxEventLevelReports != 1 {
		t.Errorf("want max reports 1, got %d", got.MaxEventLevelReports)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Second, 20 * time.Second}, got.Windows.EndTimes()); diff != "" {
		t.Errorf("end times mismatch (-want +got):\n%s", diff)
	}
}

func TestDeserializeInvalid(t *testing.T) {
	noEnds := protowire.AppendVarint(protowire.AppendTag(nil, maxEventLevelReportsField, protowire.VarintType), 1)

	negative := protowire.AppendTag(nil, maxEventLevelReportsField, protowire.VarintType)
	negative = protowire.AppendVarint(negative, uint64(int64(-1)))
	negative = protowire.AppendTag(negative, windowEndTimesField, protowire.VarintType)
	negative = protowire.AppendVarint(negative, 10)

	badWindows := protowire.AppendTag(nil, windowStartTimeField, protowire.VarintType)
	badWindows = protowire.AppendVarint(badWindows, 100)
	badWindows = protowire.AppendTag(badWindows, windowEndTimesField, protowire.VarintType)
	badWindows = protowire.AppendVarint(badWindows, 50)

	for desc, b := range map[string][]byte{
		"truncated":        {0x08},
		"no end times":     noEnds,
		"negative max":     negative,
		"end before start": badWindows,
	} {
		if _, err := Deserialize(b); err == nil {
			t.Errorf("%s: expect error", desc)
		}
	}
}
