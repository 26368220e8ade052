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

// Package eventreport computes event-level reports: delivery windows, trigger data truncation and
// the randomized response that replaces a source's real reports with fake ones.
package eventreport

import (
	"math/rand/v2"
	"time"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"github.com/google/uuid"
)

// Generator creates real and fake event reports for sources.
type Generator struct {
	params *params.Params
	src    rand.Source
	rng    *rand.Rand
	// NewID generates report IDs.
	NewID func() string
}

// NewGenerator creates a Generator. A nil source uses a randomly seeded one.
func NewGenerator(p *params.Params, src rand.Source) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Generator{
		params: p,
		src:    src,
		rng:    rand.New(src),
		NewID:  uuid.NewString,
	}
}

// ReportWindows returns the end of each report window of a source, in increasing order. Early
// windows ending at or after the expiry are dropped and the expiry closes the last window.
func ReportWindows(p *params.Params, s *reporttypes.Source) ([]time.Time, error) {
	profile, err := p.Profile(s.SourceType, s.InstallAttributed)
	if err != nil {
		return nil, err
	}
	var windows []time.Time
	for _, w := range profile.EarlyReportWindows {
		end := s.EventTime.Add(w.Duration())
		if !end.Before(s.ExpiryTime) {
			break
		}
		windows = append(windows, end)
	}
	return append(windows, s.ExpiryTime), nil
}

// ReportingTime maps a trigger time to the end of the first report window that is not before it.
// Trigger times past the last window map to the source expiry.
func ReportingTime(p *params.Params, s *reporttypes.Source, triggerTime time.Time) (time.Time, error) {
	windows, err := ReportWindows(p, s)
	if err != nil {
		return time.Time{}, err
	}
	for _, end := range windows {
		if !end.Before(triggerTime) {
			return end, nil
		}
	}
	return s.ExpiryTime, nil
}

// TruncateTriggerData reduces the trigger data to the cardinality of the source type.
func TruncateTriggerData(p *params.Params, sourceType reporttypes.SourceType, data unsignedlong.UnsignedLong) unsignedlong.UnsignedLong {
	return data.Mod(p.Cardinality(sourceType))
}

// NewEventReport builds the pending report for an event trigger datum attributed to a source.
func (g *Generator) NewEventReport(s *reporttypes.Source, t *reporttypes.Trigger, datum reporttypes.EventTriggerDatum) (*reporttypes.EventReport, error) {
	profile, err := g.params.Profile(s.SourceType, s.InstallAttributed)
	if err != nil {
		return nil, err
	}
	reportTime, err := ReportingTime(g.params, s, t.TriggerTime)
	if err != nil {
		return nil, err
	}
	report := &reporttypes.EventReport{
		ID:                     g.NewID(),
		SourceID:               s.ID,
		SourceEventID:          s.EventID,
		ReportTime:             reportTime,
		TriggerTime:            t.TriggerTime,
		TriggerPriority:        datum.Priority,
		TriggerData:            TruncateTriggerData(g.params, s.SourceType, datum.TriggerData),
		AttributionDestination: t.AttributionDestination,
		AdTechDomain:           s.AdTechDomain,
		EnrollmentID:           s.EnrollmentID,
		TriggerDedupKey:        datum.DedupKey,
		RandomizedTriggerRate:  profile.NoiseProbability,
		Status:                 reporttypes.ReportStatusPending,
		SourceType:             s.SourceType,
		DebugReporting:         t.DebugReporting,
	}
	if t.DebugReporting && s.DebugKey != nil && t.DebugKey != nil {
		report.SourceDebugKey, report.TriggerDebugKey = s.DebugKey, t.DebugKey
	}
	return report, nil
}
