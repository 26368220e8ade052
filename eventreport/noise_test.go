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
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/grd/stat"
	"gonum.org/v1/gonum/floats/scalar"
)

func paramsWithNoise(probability float64) *params.Params {
	p := params.Default()
	for i := range p.Profiles {
		p.Profiles[i].NoiseProbability = probability
	}
	return p
}

func TestStateCount(t *testing.T) {
	for _, tc := range []struct {
		windows     int
		cardinality uint64
		maxReports  int
		want        int
	}{
		{1, 2, 1, 3},
		{3, 8, 3, 2925},
		{4, 8, 3, 6545},
		{2, 2, 2, 15},
	} {
		if got := StateCount(tc.windows, tc.cardinality, tc.maxReports); got != tc.want {
			t.Errorf("StateCount(%d, %d, %d) = %d, want %d", tc.windows, tc.cardinality, tc.maxReports, got, tc.want)
		}
	}
}

func TestDecodeStateIsBijective(t *testing.T) {
	const (
		windows     = 2
		cardinality = 2
		maxReports  = 2
	)
	seen := make(map[[4]int]bool)
	for i := 0; i < StateCount(windows, cardinality, maxReports); i++ {
		var counts [4]int
		for _, slot := range DecodeState(i, windows, cardinality, maxReports) {
			if slot.Window >= windows || slot.TriggerData >= cardinality {
				t.Fatalf("state %d decodes to out of range slot %+v", i, slot)
			}
			counts[slot.Window*cardinality+int(slot.TriggerData)]++
		}
		if seen[counts] {
			t.Fatalf("state %d decodes to a duplicated report set %v", i, counts)
		}
		seen[counts] = true
	}
	if _, ok := seen[[4]int{}]; !ok {
		t.Error("expect the empty report set to be one of the states")
	}
}

func TestFakeReportGenerationIsRandom(t *testing.T) {
	g := NewGenerator(paramsWithNoise(0.5), rand.NewPCG(3, 4))
	withFakeReports := 0
	for i := 0; i < 2000; i++ {
		source := newSource(reporttypes.SourceTypeNavigation, 20*day)
		reports, err := g.AssignAttributionMode(source)
		if err != nil {
			t.Fatal(err)
		}
		if len(reports) > 0 {
			withFakeReports++
		}
	}
	if withFakeReports == 0 || withFakeReports == 2000 {
		t.Fatalf("expect fake reports for some but not all sources, got %d of 2000", withFakeReports)
	}
}

func TestFakeReportFraction(t *testing.T) {
	const (
		trials      = 20000
		probability = 0.3
		tolerance   = 0.05
	)
	g := NewGenerator(paramsWithNoise(probability), rand.NewPCG(5, 6))
	// An event source has one window, two trigger data values and at most one report, so a noised
	// source falls on the empty set with probability 1/3.
	wantFraction := probability * (1 - 1.0/3)

	samples := make(stat.Float64Slice, trials)
	for i := range samples {
		source := newSource(reporttypes.SourceTypeEvent, 20*day)
		reports, err := g.AssignAttributionMode(source)
		if err != nil {
			t.Fatal(err)
		}
		if len(reports) > 0 {
			samples[i] = 1
		}
	}
	if got := stat.Mean(samples); !scalar.EqualWithinAbsOrRel(got, wantFraction, tolerance*wantFraction, tolerance) {
		t.Errorf("fraction of sources with fake reports mismatch, want %v, got %v", wantFraction, got)
	}
}

func TestFakeReportContent(t *testing.T) {
	p := paramsWithNoise(1)
	g := NewGenerator(p, rand.NewPCG(7, 8))
	counts := make(map[uint64]int)
	for i := 0; i < 500; i++ {
		source := newSource(reporttypes.SourceTypeNavigation, 20*day)
		reports, err := g.AssignAttributionMode(source)
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case len(reports) == 0 && source.AttributionMode != reporttypes.AttributionModeNever:
			t.Fatalf("want mode NEVER without fake reports, got %s", source.AttributionMode)
		case len(reports) > 0 && source.AttributionMode != reporttypes.AttributionModeFalsely:
			t.Fatalf("want mode FALSELY with fake reports, got %s", source.AttributionMode)
		}
		windows, err := ReportWindows(p, source)
		if err != nil {
			t.Fatal(err)
		}
		if len(reports) > 3 {
			t.Fatalf("got %d fake reports, more than the maximum 3", len(reports))
		}
		for _, r := range reports {
			if r.TriggerData >= 8 {
				t.Fatalf("fake trigger data %s is not below the cardinality", r.TriggerData)
			}
			if !r.TriggerTime.Equal(time.UnixMilli(0)) || r.TriggerDedupKey != nil {
				t.Fatalf("fake report must have trigger time 0 and no dedup key, got %+v", r)
			}
			if r.Status != reporttypes.ReportStatusPending || r.SourceID != source.ID {
				t.Fatalf("unexpected fake report %+v", r)
			}
			onBoundary := false
			for _, w := range windows {
				onBoundary = onBoundary || w.Equal(r.ReportTime)
			}
			if !onBoundary {
				t.Fatalf("fake report time %s is not a window boundary", r.ReportTime)
			}
			counts[r.TriggerData.Uint64()]++
		}
	}
	if len(counts) != 8 {
		t.Errorf("expect all 8 trigger data values among fake reports, got %v", counts)
	}
}

func TestNoNoiseIsTruthful(t *testing.T) {
	g := NewGenerator(paramsWithNoise(0), nil)
	source := newSource(reporttypes.SourceTypeEvent, 20*day)
	reports, err := g.AssignAttributionMode(source)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 0 || source.AttributionMode != reporttypes.AttributionModeTruthfully {
		t.Errorf("want TRUTHFULLY without reports, got %s with %d reports", source.AttributionMode, len(reports))
	}
}
