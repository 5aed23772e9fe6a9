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

// Package delegateconfig contains the configuration consumed by the attribution storage delegate
// and the rate-limit table.
package delegateconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/google/differential-privacy/go/v2/checks"
	"github.com/google/privacy-sandbox-attribution-reporting/attribution/attributiontypes"
	"github.com/google/privacy-sandbox-attribution-reporting/shared/utils"
	"gopkg.in/yaml.v2"
)

// NoiseMode controls whether randomized response and null reports are applied.
type NoiseMode int

// Noise modes.
const (
	NoiseModeDefault NoiseMode = iota
	// NoiseModeNone disables all randomness. Used for testing and by enterprise policy.
	NoiseModeNone
)

// DelayMode controls whether reports are delayed to window boundaries.
type DelayMode int

// Delay modes.
const (
	DelayModeDefault DelayMode = iota
	// DelayModeNone sends reports at trigger time.
	DelayModeNone
)

// UnmarshalYAML accepts "default" or "none".
func (m *NoiseMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "", "default":
		*m = NoiseModeDefault
	case "none":
		*m = NoiseModeNone
	default:
		return fmt.Errorf("unknown noise mode %q", s)
	}
	return nil
}

// UnmarshalYAML accepts "default" or "none".
func (m *DelayMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "", "default":
		*m = DelayModeDefault
	case "none":
		*m = DelayModeNone
	default:
		return fmt.Errorf("unknown delay mode %q", s)
	}
	return nil
}

// RateLimits bounds how many reporting origins and attributions may be observed in a time window.
type RateLimits struct {
	TimeWindow                            time.Duration `yaml:"time_window"`
	MaxSourceRegistrationReportingOrigins int64         `yaml:"max_source_registration_reporting_origins"`
	MaxAttributionReportingOrigins        int64         `yaml:"max_attribution_reporting_origins"`
	MaxAttributions                       int64         `yaml:"max_attributions"`
}

// PerSourceType holds a value for each source type.
type PerSourceType[T any] struct {
	Navigation T `yaml:"navigation"`
	Event      T `yaml:"event"`
}

// Get returns the value for the source type.
func (p PerSourceType[T]) Get(t attributiontypes.SourceType) T {
	if t == attributiontypes.SourceTypeNavigation {
		return p.Navigation
	}
	return p.Event
}

// NullReportRates are the probabilities of emitting a null aggregatable report per fake source time.
type NullReportRates struct {
	IncludeSourceRegistrationTime float64 `yaml:"include_source_registration_time"`
	ExcludeSourceRegistrationTime float64 `yaml:"exclude_source_registration_time"`
}

// OfflineReportDelay is the jitter range applied to reports whose time passed while offline.
type OfflineReportDelay struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Config is the storage delegate configuration.
type Config struct {
	NoiseMode NoiseMode `yaml:"noise_mode"`
	DelayMode DelayMode `yaml:"delay_mode"`

	RateLimits                                  RateLimits    `yaml:"rate_limits"`
	DeleteExpiredRateLimitsFrequency            time.Duration `yaml:"delete_expired_rate_limits_frequency"`
	MaxDestinationsPerSourceSiteReportingOrigin int64         `yaml:"max_destinations_per_source_site_reporting_origin"`

	RandomizedResponseEpsilon float64                `yaml:"randomized_response_epsilon"`
	MaxChannelCapacity        PerSourceType[float64] `yaml:"max_channel_capacity"`
	MaxEventLevelReports      PerSourceType[int]     `yaml:"max_event_level_reports"`
	TriggerDataCardinality    PerSourceType[uint64]  `yaml:"trigger_data_cardinality"`

	AggregatableReportMinDelay  time.Duration      `yaml:"aggregatable_report_min_delay"`
	AggregatableReportDelaySpan time.Duration      `yaml:"aggregatable_report_delay_span"`
	NullReportRates             NullReportRates    `yaml:"null_report_rates"`
	NullReportLookbackDays      int                `yaml:"null_report_lookback_days"`
	OfflineReportDelay          OfflineReportDelay `yaml:"offline_report_delay"`
}

// Default returns the production configuration.
func Default() *Config {
	return &Config{
		RateLimits: RateLimits{
			TimeWindow:                            30 * 24 * time.Hour,
			MaxSourceRegistrationReportingOrigins: 100,
			MaxAttributionReportingOrigins:        10,
			MaxAttributions:                       100,
		},
		DeleteExpiredRateLimitsFrequency:            5 * time.Minute,
		MaxDestinationsPerSourceSiteReportingOrigin: 100,
		RandomizedResponseEpsilon:                   14,
		MaxChannelCapacity:                          PerSourceType[float64]{Navigation: 11.46173, Event: 6.5},
		MaxEventLevelReports:                        PerSourceType[int]{Navigation: 3, Event: 1},
		TriggerDataCardinality:                      PerSourceType[uint64]{Navigation: 8, Event: 2},
		AggregatableReportMinDelay:                  10 * time.Minute,
		AggregatableReportDelaySpan:                 10 * time.Minute,
		NullReportRates: NullReportRates{
			IncludeSourceRegistrationTime: 0.008,
			ExcludeSourceRegistrationTime: 0.05,
		},
		NullReportLookbackDays: 31,
		OfflineReportDelay:     OfflineReportDelay{Min: time.Minute, Max: 5 * time.Minute},
	}
}

// Validate checks that every limit is usable.
func (c *Config) Validate() error {
	if err := checks.CheckEpsilonStrict(c.RandomizedResponseEpsilon, "randomized_response_epsilon"); err != nil {
		return err
	}
	if c.RateLimits.TimeWindow <= 0 {
		return fmt.Errorf("rate_limits.time_window must be positive, got %v", c.RateLimits.TimeWindow)
	}
	for name, v := range map[string]int64{
		"rate_limits.max_source_registration_reporting_origins": c.RateLimits.MaxSourceRegistrationReportingOrigins,
		"rate_limits.max_attribution_reporting_origins":         c.RateLimits.MaxAttributionReportingOrigins,
		"rate_limits.max_attributions":                          c.RateLimits.MaxAttributions,
		"max_destinations_per_source_site_reporting_origin":     c.MaxDestinationsPerSourceSiteReportingOrigin,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.DeleteExpiredRateLimitsFrequency < 0 {
		return fmt.Errorf("delete_expired_rate_limits_frequency must not be negative, got %v", c.DeleteExpiredRateLimitsFrequency)
	}
	for _, t := range []attributiontypes.SourceType{attributiontypes.SourceTypeNavigation, attributiontypes.SourceTypeEvent} {
		if c.MaxChannelCapacity.Get(t) < 0 {
			return fmt.Errorf("max_channel_capacity for %s must not be negative", t)
		}
		if c.MaxEventLevelReports.Get(t) < 0 {
			return fmt.Errorf("max_event_level_reports for %s must not be negative", t)
		}
		if c.TriggerDataCardinality.Get(t) == 0 {
			return fmt.Errorf("trigger_data_cardinality for %s must be positive", t)
		}
	}
	for name, r := range map[string]float64{
		"null_report_rates.include_source_registration_time": c.NullReportRates.IncludeSourceRegistrationTime,
		"null_report_rates.exclude_source_registration_time": c.NullReportRates.ExcludeSourceRegistrationTime,
	} {
		if r < 0 || r > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, r)
		}
	}
	if c.AggregatableReportMinDelay < 0 || c.AggregatableReportDelaySpan < 0 {
		return fmt.Errorf("aggregatable report delays must not be negative")
	}
	if c.NullReportLookbackDays < 0 {
		return fmt.Errorf("null_report_lookback_days must not be negative, got %d", c.NullReportLookbackDays)
	}
	if c.OfflineReportDelay.Min < 0 || c.OfflineReportDelay.Max < c.OfflineReportDelay.Min {
		return fmt.Errorf("invalid offline_report_delay [%v, %v]", c.OfflineReportDelay.Min, c.OfflineReportDelay.Max)
	}
	return nil
}

// Parse reads a YAML configuration. Fields missing from the input keep their default values.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing delegate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML configuration from a local path or a GCS object.
func Load(ctx context.Context, path string) (*Config, error) {
	b, err := utils.ReadBytes(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading delegate config %q: %w", path, err)
	}
	return Parse(b)
}
