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

// Package aggregation builds aggregatable reports: it derives histogram contributions from a
// matched source and trigger, serializes and encrypts the payload, and manages the public keys of
// the aggregation service.
package aggregation

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

// DeriveKeys combines the source key pieces with the pieces of every aggregatable trigger datum
// whose filters match the source. Pieces are combined with XOR, so the result does not depend on
// the order of the trigger data.
func DeriveKeys(source *reporttypes.Source, trigger *reporttypes.Trigger) map[string]uint128.Uint128 {
	keys := make(map[string]uint128.Uint128, len(source.AggregateSource))
	for name, piece := range source.AggregateSource {
		keys[name] = piece
	}
	filterData := source.EffectiveFilterData()
	for _, datum := range trigger.AggregatableTriggerData {
		if !reporttypes.MatchFilters(filterData, datum.Filters, datum.NotFilters) {
			continue
		}
		for _, name := range datum.SourceKeys {
			if piece, ok := keys[name]; ok {
				keys[name] = piece.Xor(datum.KeyPiece)
			}
		}
	}
	return keys
}

// GenerateContributions returns one contribution per derived key that the trigger assigns a value
// to, ordered by key name. Keys without a value are dropped.
func GenerateContributions(source *reporttypes.Source, trigger *reporttypes.Trigger) ([]reporttypes.AggregateHistogramContribution, error) {
	keys := DeriveKeys(source, trigger)
	names := make([]string, 0, len(keys))
	for name := range keys {
		if _, ok := trigger.AggregatableValues[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) > params.MaxAggregateKeysPerRegistration {
		return nil, fmt.Errorf("%d aggregatable contributions exceed the limit %d", len(names), params.MaxAggregateKeysPerRegistration)
	}
	sort.Strings(names)

	contributions := make([]reporttypes.AggregateHistogramContribution, 0, len(names))
	for _, name := range names {
		contributions = append(contributions, reporttypes.AggregateHistogramContribution{
			Key:   keys[name],
			Value: trigger.AggregatableValues[name],
		})
	}
	return contributions, nil
}

// SumContributions returns the L1 norm of the contributions.
func SumContributions(contributions []reporttypes.AggregateHistogramContribution) int {
	sum := 0
	for _, c := range contributions {
		sum += int(c.Value)
	}
	return sum
}

// MatchingDedupKey returns the key of the first aggregatable deduplication entry whose filters
// match the source, or nil when no entry applies.
func MatchingDedupKey(source *reporttypes.Source, trigger *reporttypes.Trigger) *unsignedlong.UnsignedLong {
	filterData := source.EffectiveFilterData()
	for _, entry := range trigger.AggregatableDedupKeys {
		if reporttypes.MatchFilters(filterData, entry.Filters, entry.NotFilters) {
			return entry.DedupKey
		}
	}
	return nil
}

// ReportBuilder creates pending aggregatable reports.
type ReportBuilder struct {
	params *params.Params
	rng    *rand.Rand
	// NewID generates report IDs.
	NewID func() string
}

// NewReportBuilder creates a ReportBuilder. A nil source uses a randomly seeded one.
func NewReportBuilder(p *params.Params, src rand.Source, newID func() string) *ReportBuilder {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &ReportBuilder{params: p, rng: rand.New(src), NewID: newID}
}

// scheduledReportTime delays the report by a random duration in [min delay, min delay + span).
func (b *ReportBuilder) scheduledReportTime(triggerTime time.Time) time.Time {
	delay := b.params.AggregateReportMinDelay.Duration()
	if span := b.params.AggregateReportDelaySpan.Duration(); span > 0 {
		delay += time.Duration(b.rng.Int64N(int64(span)))
	}
	return triggerTime.Add(delay)
}

// NewAggregateReport builds the pending report carrying the contributions.
func (b *ReportBuilder) NewAggregateReport(source *reporttypes.Source, trigger *reporttypes.Trigger, contributions []reporttypes.AggregateHistogramContribution) *reporttypes.AggregateReport {
	report := &reporttypes.AggregateReport{
		ID:                     b.NewID(),
		Publisher:              source.Publisher,
		AttributionDestination: trigger.AttributionDestination,
		SourceRegistrationTime: source.EventTime,
		ScheduledReportTime:    b.scheduledReportTime(trigger.TriggerTime),
		EnrollmentID:           source.EnrollmentID,
		AdTechDomain:           source.AdTechDomain,
		Contributions:          contributions,
		Status:                 reporttypes.ReportStatusPending,
		APIVersion:             b.params.AggregationAPIVersion,
		DebugReporting:         trigger.DebugReporting,
		SourceID:               source.ID,
		TriggerID:              trigger.ID,
	}
	if trigger.DebugReporting && source.DebugKey != nil && trigger.DebugKey != nil {
		report.SourceDebugKey, report.TriggerDebugKey = source.DebugKey, trigger.DebugKey
	}
	return report
}
