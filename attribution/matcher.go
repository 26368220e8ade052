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

// Package attribution matches pending triggers to sources and creates the resulting event-level
// and aggregatable reports.
package attribution

import (
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
)

// Eligible reports whether a trigger can attribute to the source regardless of filters. ACTIVE and
// ATTRIBUTED sources are eligible, IGNORED ones are not.
func Eligible(source *reporttypes.Source, trigger *reporttypes.Trigger) bool {
	return source.Status.Live() &&
		source.AttributionDestination == trigger.AttributionDestination &&
		source.EnrollmentID == trigger.EnrollmentID &&
		!trigger.TriggerTime.Before(source.EventTime) &&
		!trigger.TriggerTime.After(source.ExpiryTime)
}

// preferred reports whether a wins the tie-break over b: the latest registration wins, then the
// highest priority.
func preferred(a, b *reporttypes.Source) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.After(b.EventTime)
	}
	return a.Priority > b.Priority
}

// SelectSource picks the source a trigger attributes to among the candidates, which are in store
// order. Candidates that are not eligible or whose filter data fails the trigger filters are
// skipped. Remaining ties keep the earliest stored candidate. The other matching candidates are
// returned as losers.
func SelectSource(trigger *reporttypes.Trigger, candidates []*reporttypes.Source) (winner *reporttypes.Source, losers []*reporttypes.Source) {
	var matching []*reporttypes.Source
	for _, s := range candidates {
		if !Eligible(s, trigger) {
			continue
		}
		if !reporttypes.MatchFilters(s.EffectiveFilterData(), trigger.Filters, trigger.NotFilters) {
			continue
		}
		matching = append(matching, s)
		if winner == nil || preferred(s, winner) {
			winner = s
		}
	}
	for _, s := range matching {
		if s != winner {
			losers = append(losers, s)
		}
	}
	return winner, losers
}

// MatchingEventTriggers returns the event trigger data whose filters match the source and whose
// dedup key the source has not consumed yet.
func MatchingEventTriggers(source *reporttypes.Source, trigger *reporttypes.Trigger) []reporttypes.EventTriggerDatum {
	filterData := source.EffectiveFilterData()
	var out []reporttypes.EventTriggerDatum
	for _, datum := range trigger.EventTriggers {
		if !reporttypes.MatchFilters(filterData, datum.Filters, datum.NotFilters) {
			continue
		}
		if datum.DedupKey != nil && source.HasEventReportDedupKey(*datum.DedupKey) {
			continue
		}
		out = append(out, datum)
	}
	return out
}
