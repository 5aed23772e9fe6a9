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

// Package attributiontypes contains the types shared by the attribution storage, the rate-limit
// ledger and the storage delegate.
package attributiontypes

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// SourceType is the kind of ad interaction that registered a source.
type SourceType int

// Source types.
const (
	SourceTypeNavigation SourceType = iota
	SourceTypeEvent
)

func (t SourceType) String() string {
	switch t {
	case SourceTypeNavigation:
		return "navigation"
	case SourceTypeEvent:
		return "event"
	default:
		return fmt.Sprintf("SourceType(%d)", int(t))
	}
}

// ParseSourceType converts the names returned by String back into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(s) {
	case "navigation":
		return SourceTypeNavigation, nil
	case "event":
		return SourceTypeEvent, nil
	}
	return 0, fmt.Errorf("unknown source type %q", s)
}

// CommonSourceInfo holds the fields of a source registration used by the rate limits and the noise
// computation.
type CommonSourceInfo struct {
	SourceOrigin    string
	ReportingOrigin string
	// DestinationSite is the schemeful site ("https://example.test") the source may attribute to.
	DestinationSite string
	SourceTime      time.Time
	ExpiryTime      time.Time
	SourceType      SourceType
}

// SourceSite returns the schemeful site of the source origin.
func (c CommonSourceInfo) SourceSite() string {
	site, err := SiteForOrigin(c.SourceOrigin)
	if err != nil {
		return c.SourceOrigin
	}
	return site
}

// StoredSource is a source that has been persisted by the attribution storage.
type StoredSource struct {
	SourceID             int64
	CommonInfo           CommonSourceInfo
	MaxEventLevelReports int
}

// AttributionInfo describes a successful attribution of a trigger to a stored source.
type AttributionInfo struct {
	Source StoredSource
	Time   time.Time
	// ContextOrigin is the destination origin on which the trigger was registered.
	ContextOrigin string
}

// FakeReport is a synthetic event-level report produced by randomized response.
type FakeReport struct {
	TriggerData uint64
	TriggerTime time.Time
	ReportTime  time.Time
}

// RandomizedResponseData is the result of applying randomized response to a source.
//
// A nil Response means the true attribution outcome stands. A non-nil Response replaces it; an
// empty non-nil slice means the source was noised to zero reports.
type RandomizedResponseData struct {
	Rate     float64
	Response []FakeReport
}

// IsNoised reports whether the true outcome was replaced.
func (d RandomizedResponseData) IsNoised() bool {
	return d.Response != nil
}

// SourceRegistrationTimeConfig controls whether aggregatable reports carry the source time.
type SourceRegistrationTimeConfig int

// Source registration time configs.
const (
	SourceRegistrationTimeExclude SourceRegistrationTimeConfig = iota
	SourceRegistrationTimeInclude
)

// NullAggregatableReport is a fake aggregatable report sent to hide whether a trigger attributed.
type NullAggregatableReport struct {
	FakeSourceTime time.Time
}

// SiteForOrigin returns the schemeful site ("scheme://eTLD+1") of an origin string.
//
// Hosts without a registrable domain (IP addresses, "localhost") are their own site.
func SiteForOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin %q must have a scheme and a host", origin)
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return fmt.Sprintf("%s://%s", u.Scheme, host), nil
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		site = host
	}
	return fmt.Sprintf("%s://%s", u.Scheme, site), nil
}
