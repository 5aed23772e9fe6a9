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

// Package aggregatablereport contains the aggregatable report request stored by the aggregation
// service, its serialized form, and helpers for reading contributions.
package aggregatablereport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/privacy-sandbox-attribution-reporting/shared/utils"
	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

// MaxContributions is the largest number of contributions in one report.
const MaxContributions = 20

// Contribution adds Value to the histogram bucket Bucket.
type Contribution struct {
	Bucket uint128.Uint128
	Value  uint32
}

// SharedInfo is the report metadata visible to the reporting origin.
type SharedInfo struct {
	ScheduledReportTime time.Time
	ReportID            uuid.UUID
	ReportingOrigin     string
	APIVersion          string
	DebugMode           bool
}

// Request is everything needed to assemble and send an aggregatable report.
type Request struct {
	Contributions      []Contribution
	SharedInfo         SharedInfo
	FailedSendAttempts int
	// AdditionalFields are copied verbatim into the report body.
	AdditionalFields map[string]string
}

// NewRequest validates and returns a request.
func NewRequest(contributions []Contribution, info SharedInfo, additional map[string]string) (*Request, error) {
	if len(contributions) > MaxContributions {
		return nil, fmt.Errorf("got %d contributions, want at most %d", len(contributions), MaxContributions)
	}
	if !strings.HasPrefix(info.ReportingOrigin, "https://") {
		return nil, fmt.Errorf("reporting origin %q must be potentially trustworthy", info.ReportingOrigin)
	}
	return &Request{Contributions: contributions, SharedInfo: info, AdditionalFields: additional}, nil
}

type contributionPayload struct {
	Bucket []byte `codec:"bucket"`
	Value  uint32 `codec:"value"`
}

type requestPayload struct {
	Contributions       []contributionPayload `codec:"contributions"`
	ScheduledReportTime int64                 `codec:"scheduled_report_time"`
	ReportID            string                `codec:"report_id"`
	ReportingOrigin     string                `codec:"reporting_origin"`
	APIVersion          string                `codec:"api_version"`
	DebugMode           bool                  `codec:"debug_mode"`
	FailedSendAttempts  int                   `codec:"failed_send_attempts"`
	AdditionalFields    map[string]string     `codec:"additional_fields"`
}

// Serialize encodes the request in CBOR. Times keep microsecond precision.
func (r *Request) Serialize() ([]byte, error) {
	p := requestPayload{
		ScheduledReportTime: r.SharedInfo.ScheduledReportTime.UnixMicro(),
		ReportID:            r.SharedInfo.ReportID.String(),
		ReportingOrigin:     r.SharedInfo.ReportingOrigin,
		APIVersion:          r.SharedInfo.APIVersion,
		DebugMode:           r.SharedInfo.DebugMode,
		FailedSendAttempts:  r.FailedSendAttempts,
		AdditionalFields:    r.AdditionalFields,
	}
	for _, c := range r.Contributions {
		p.Contributions = append(p.Contributions, contributionPayload{
			Bucket: utils.Uint128ToBigEndianBytes(c.Bucket),
			Value:  c.Value,
		})
	}
	return utils.MarshalCBOR(p)
}

// Deserialize decodes a request written by Serialize.
func Deserialize(b []byte) (*Request, error) {
	p := &requestPayload{}
	if err := utils.UnmarshalCBOR(b, p); err != nil {
		return nil, fmt.Errorf("decoding aggregatable report request: %w", err)
	}
	id, err := uuid.Parse(p.ReportID)
	if err != nil {
		return nil, fmt.Errorf("decoding report id: %w", err)
	}
	r := &Request{
		SharedInfo: SharedInfo{
			ScheduledReportTime: time.UnixMicro(p.ScheduledReportTime).UTC(),
			ReportID:            id,
			ReportingOrigin:     p.ReportingOrigin,
			APIVersion:          p.APIVersion,
			DebugMode:           p.DebugMode,
		},
		FailedSendAttempts: p.FailedSendAttempts,
		AdditionalFields:   p.AdditionalFields,
	}
	for _, c := range p.Contributions {
		bucket, err := utils.BigEndianBytesToUint128(c.Bucket)
		if err != nil {
			return nil, fmt.Errorf("decoding bucket: %w", err)
		}
		r.Contributions = append(r.Contributions, Contribution{Bucket: bucket, Value: c.Value})
	}
	return r, nil
}

// GetMaxBucketKey calculates the maximum bucket key for a given length of bits.
func GetMaxBucketKey(s int) uint128.Uint128 {
	maxKey := uint128.Max
	if s < 128 {
		maxKey = uint128.From64(1).Lsh(uint(s)).Sub64(1)
	}
	return maxKey
}

// ParseContribution parses a "bucket,value" line.
func ParseContribution(line string, keyBitSize int) (Contribution, error) {
	cols := strings.Split(line, ",")
	if got, want := len(cols), 2; got != want {
		return Contribution{}, fmt.Errorf("got %d columns in line %q, want %d", got, line, want)
	}

	key128, err := utils.StringToUint128(strings.TrimSpace(cols[0]))
	if err != nil {
		return Contribution{}, err
	}
	if key128.Cmp(GetMaxBucketKey(keyBitSize)) == 1 {
		return Contribution{}, fmt.Errorf("key %q overflows the integer with %d bits", key128.String(), keyBitSize)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(cols[1]), 10, 32)
	if err != nil {
		return Contribution{}, err
	}
	return Contribution{Bucket: key128, Value: uint32(value)}, nil
}

// ReadContributions reads contributions from a local or GCS file with one "bucket,value" per line.
func ReadContributions(ctx context.Context, filename string, keyBitSize int) ([]Contribution, error) {
	lines, err := utils.ReadLines(ctx, filename)
	if err != nil {
		return nil, err
	}

	var contributions []Contribution
	for _, l := range lines {
		c, err := ParseContribution(l, keyBitSize)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, c)
	}
	return contributions, nil
}
