// Copyright 2021 Google LLC
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

// Package params contains the privacy and system-health parameters of attribution reporting.
//
// The privacy parameters that shape noise and report windows are loaded from a JSON table, so that
// they can be tuned without code changes; the defaults are returned by Default.
package params

import (
	"context"
	"fmt"
	"time"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
)

// System-health limits on registrations and jobs.
const (
	MaxEventTriggerData               = 10
	MaxAggregateKeysPerRegistration   = 50
	MaxAggregatableTriggerData        = 50
	MaxAttributionFilters             = 50
	MaxValuesPerAttributionFilter     = 50
	MaxBytesPerAttributionFilterValue = 25
	MaxBytesPerAggregateKeyID         = 25
	MaxRegistrationRedirects          = 20
	MaxAttributionsPerInvocation      = 100
	MaxAggregatableValue              = 65536
)

// Registration bounds.
const (
	MinSourceExpiry                 = 2 * 24 * time.Hour
	MaxSourceExpiry                 = 30 * 24 * time.Hour
	MinInstallAttributionWindow     = 2 * 24 * time.Hour
	MaxInstallAttributionWindow     = 30 * 24 * time.Hour
	MinPostInstallExclusivityWindow = time.Duration(0)
	MaxPostInstallExclusivityWindow = 30 * 24 * time.Hour
)

// Aggregatable payload encoding.
const (
	AggregateHistogramBucketByteSize = 16
	AggregateHistogramValueByteSize  = 4
)

// Seconds is a duration encoded in JSON as a number of seconds.
type Seconds int64

// Duration converts the value to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s) * time.Second
}

// SourceProfile holds the parameters for sources of one type with or without install attribution.
type SourceProfile struct {
	SourceType        reporttypes.SourceType `json:"source_type"`
	InstallAttributed bool                   `json:"install_attributed"`
	// NoiseProbability is the randomized response probability used at source registration.
	NoiseProbability   float64   `json:"noise_probability"`
	EarlyReportWindows []Seconds `json:"early_report_windows_seconds"`
	MaxReports         int       `json:"max_reports"`
}

// Params contains the tunable privacy parameters.
type Params struct {
	Profiles []SourceProfile `json:"source_profiles"`
	// TriggerDataCardinality is keyed by source type.
	TriggerDataCardinality map[reporttypes.SourceType]uint64 `json:"trigger_data_cardinality"`

	MaxAttributionsPerRateLimitWindow int     `json:"max_attributions_per_rate_limit_window"`
	RateLimitWindow                   Seconds `json:"rate_limit_window_seconds"`
	// MaxAggregateContributions is the L1 budget of aggregatable values per source.
	MaxAggregateContributions int `json:"max_aggregate_contributions"`

	AggregateReportMinDelay  Seconds `json:"aggregate_report_min_delay_seconds"`
	AggregateReportDelaySpan Seconds `json:"aggregate_report_delay_span_seconds"`
	AggregationAPIVersion    string  `json:"aggregation_api_version"`
}

const day = Seconds(24 * 60 * 60)

// Default returns the parameters used when no table is configured.
func Default() *Params {
	return &Params{
		Profiles: []SourceProfile{
			{SourceType: reporttypes.SourceTypeEvent, NoiseProbability: 0.0000025, MaxReports: 1},
			{SourceType: reporttypes.SourceTypeNavigation, NoiseProbability: 0.0024263, EarlyReportWindows: []Seconds{day, 3 * day, 8 * day}, MaxReports: 3},
			{SourceType: reporttypes.SourceTypeEvent, InstallAttributed: true, NoiseProbability: 0.0000125, EarlyReportWindows: []Seconds{2 * day}, MaxReports: 2},
			{SourceType: reporttypes.SourceTypeNavigation, InstallAttributed: true, NoiseProbability: 0.0024263, EarlyReportWindows: []Seconds{day, 3 * day, 8 * day}, MaxReports: 3},
		},
		TriggerDataCardinality: map[reporttypes.SourceType]uint64{
			reporttypes.SourceTypeEvent:      2,
			reporttypes.SourceTypeNavigation: 8,
		},
		MaxAttributionsPerRateLimitWindow: 100,
		RateLimitWindow:                   30 * day,
		MaxAggregateContributions:         65536,
		AggregateReportMinDelay:           10 * 60,
		AggregateReportDelaySpan:          50 * 60,
		AggregationAPIVersion:             "0.1",
	}
}

// Validate checks that every source type has a usable profile.
func (p *Params) Validate() error {
	for _, st := range []reporttypes.SourceType{reporttypes.SourceTypeEvent, reporttypes.SourceTypeNavigation} {
		if p.TriggerDataCardinality[st] == 0 {
			return fmt.Errorf("missing trigger data cardinality for source type %q", st)
		}
		for _, installed := range []bool{false, true} {
			profile, err := p.Profile(st, installed)
			if err != nil {
				return err
			}
			if profile.NoiseProbability < 0 || profile.NoiseProbability > 1 {
				return fmt.Errorf("noise probability %v for %q is out of [0, 1]", profile.NoiseProbability, st)
			}
			if profile.MaxReports < 1 {
				return fmt.Errorf("max reports for %q must be positive, got %d", st, profile.MaxReports)
			}
			for i, w := range profile.EarlyReportWindows {
				if w <= 0 || (i > 0 && w <= profile.EarlyReportWindows[i-1]) {
					return fmt.Errorf("early report windows for %q must be positive and increasing", st)
				}
			}
		}
	}
	if p.MaxAggregateContributions <= 0 {
		return fmt.Errorf("max aggregate contributions must be positive, got %d", p.MaxAggregateContributions)
	}
	if p.AggregateReportMinDelay < 0 || p.AggregateReportDelaySpan < 0 {
		return fmt.Errorf("aggregate report delays must not be negative")
	}
	return nil
}

// Profile finds the parameters for a source type, with or without install attribution.
func (p *Params) Profile(sourceType reporttypes.SourceType, installAttributed bool) (*SourceProfile, error) {
	for i := range p.Profiles {
		if p.Profiles[i].SourceType == sourceType && p.Profiles[i].InstallAttributed == installAttributed {
			return &p.Profiles[i], nil
		}
	}
	return nil, fmt.Errorf("no profile for source type %q with install attribution %t", sourceType, installAttributed)
}

// Cardinality returns the number of distinct trigger data values for a source type.
func (p *Params) Cardinality(sourceType reporttypes.SourceType) uint64 {
	return p.TriggerDataCardinality[sourceType]
}

// Read loads a parameter table from a local, GCS or HTTP location. Fields not present in the
// table keep their default values.
func Read(ctx context.Context, uri string) (*Params, error) {
	p := Default()
	if uri == "" {
		return p, nil
	}
	// A table that lists profiles replaces the default profiles entirely.
	p.Profiles = nil
	if err := utils.ReadJSON(ctx, uri, p); err != nil {
		return nil, fmt.Errorf("reading params %q: %w", uri, err)
	}
	if p.Profiles == nil {
		p.Profiles = Default().Profiles
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
