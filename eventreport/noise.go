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

package eventreport

import (
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"gonum.org/v1/gonum/stat/combin"
	"gonum.org/v1/gonum/stat/distuv"
)

// FakeReportSlot identifies the window and trigger data of one fake report.
type FakeReportSlot struct {
	Window      int
	TriggerData uint64
}

// StateCount returns the number of possible report sets for a source with the given number of
// windows, trigger data cardinality and maximum reports. A report set is a multiset of at most
// maxReports slots out of windows*cardinality.
func StateCount(windows int, cardinality uint64, maxReports int) int {
	return combin.Binomial(windows*int(cardinality)+maxReports, maxReports)
}

// DecodeState maps a state index in [0, StateCount) to its report set.
//
// The index selects a combination of maxReports "stars" among the slot "bars"; the number of bars
// preceding a star gives its slot, and a star with no preceding bar is an absent report.
func DecodeState(index, windows int, cardinality uint64, maxReports int) []FakeReportSlot {
	slots := windows * int(cardinality)
	comb := combin.IndexToCombination(nil, index, slots+maxReports, maxReports)
	var out []FakeReportSlot
	for i, pos := range comb {
		barsPreceding := pos - i
		if barsPreceding == 0 {
			continue
		}
		slot := barsPreceding - 1
		out = append(out, FakeReportSlot{
			Window:      slot / int(cardinality),
			TriggerData: uint64(slot) % cardinality,
		})
	}
	return out
}

// AssignAttributionMode draws the randomized response for a newly registered source. It sets the
// attribution mode of the source and returns the fake reports to store along with it.
//
// With the configured noise probability the output of the source is replaced by a report set
// drawn uniformly from all possible sets, which may be empty.
func (g *Generator) AssignAttributionMode(s *reporttypes.Source) ([]*reporttypes.EventReport, error) {
	profile, err := g.params.Profile(s.SourceType, s.InstallAttributed)
	if err != nil {
		return nil, err
	}
	windows, err := ReportWindows(g.params, s)
	if err != nil {
		return nil, err
	}
	cardinality := g.params.Cardinality(s.SourceType)
	if cardinality == 0 {
		return nil, fmt.Errorf("no trigger data cardinality for source type %q", s.SourceType)
	}

	noised := distuv.Bernoulli{P: profile.NoiseProbability, Src: g.src}.Rand() == 1
	if !noised {
		s.AttributionMode = reporttypes.AttributionModeTruthfully
		return nil, nil
	}

	states := StateCount(len(windows), cardinality, profile.MaxReports)
	slots := DecodeState(g.rng.IntN(states), len(windows), cardinality, profile.MaxReports)
	if len(slots) == 0 {
		s.AttributionMode = reporttypes.AttributionModeNever
		return nil, nil
	}

	s.AttributionMode = reporttypes.AttributionModeFalsely
	reports := make([]*reporttypes.EventReport, 0, len(slots))
	for _, slot := range slots {
		reports = append(reports, &reporttypes.EventReport{
			ID:                     g.NewID(),
			SourceID:               s.ID,
			SourceEventID:          s.EventID,
			ReportTime:             windows[slot.Window],
			TriggerTime:            time.UnixMilli(0),
			TriggerData:            unsignedlong.UnsignedLong(slot.TriggerData),
			AttributionDestination: s.AttributionDestination,
			AdTechDomain:           s.AdTechDomain,
			EnrollmentID:           s.EnrollmentID,
			RandomizedTriggerRate:  profile.NoiseProbability,
			Status:                 reporttypes.ReportStatusPending,
			SourceType:             s.SourceType,
		})
	}
	log.V(2).Infof("source %s noised with %d fake reports", s.ID, len(reports))
	return reports, nil
}
