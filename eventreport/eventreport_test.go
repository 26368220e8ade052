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

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
)

const day = 24 * time.Hour

var eventTime = time.UnixMilli(1640995200000).UTC()

func newSource(sourceType reporttypes.SourceType, expiry time.Duration) *reporttypes.Source {
	return &reporttypes.Source{
		ID:                     "source1",
		EventID:                unsignedlong.MustParse("18446744073709551615"),
		Publisher:              "android-app://com.publisher",
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		EventTime:              eventTime,
		ExpiryTime:             eventTime.Add(expiry),
		SourceType:             sourceType,
	}
}

func TestReportWindows(t *testing.T) {
	p := params.Default()
	for _, tc := range []struct {
		desc      string
		source    *reporttypes.Source
		installed bool
		want      []time.Duration
	}{
		{"navigation", newSource(reporttypes.SourceTypeNavigation, 20*day), false, []time.Duration{day, 3 * day, 8 * day, 20 * day}},
		{"navigation expiring early", newSource(reporttypes.SourceTypeNavigation, 3*day), false, []time.Duration{day, 3 * day}},
		{"event", newSource(reporttypes.SourceTypeEvent, 20*day), false, []time.Duration{20 * day}},
		{"install attributed event", newSource(reporttypes.SourceTypeEvent, 20*day), true, []time.Duration{2 * day, 20 * day}},
	} {
		tc.source.InstallAttributed = tc.installed
		got, err := ReportWindows(p, tc.source)
		if err != nil {
			t.Fatalf("%s: ReportWindows() = %s", tc.desc, err)
		}
		var want []time.Time
		for _, d := range tc.want {
			want = append(want, eventTime.Add(d))
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s: windows mismatch (-want +got):\n%s", tc.desc, diff)
		}
	}
}

func TestReportingTime(t *testing.T) {
	p := params.Default()
	source := newSource(reporttypes.SourceTypeNavigation, 20*day)
	for _, tc := range []struct {
		trigger, want time.Duration
	}{
		{0, day},
		{day, day},
		{day + time.Millisecond, 3 * day},
		{2 * day, 3 * day},
		{5 * day, 8 * day},
		{9 * day, 20 * day},
		{21 * day, 20 * day},
	} {
		got, err := ReportingTime(p, source, eventTime.Add(tc.trigger))
		if err != nil {
			t.Fatal(err)
		}
		if want := eventTime.Add(tc.want); !want.Equal(got) {
			t.Errorf("ReportingTime(T+%s) = %s, want %s", tc.trigger, got, want)
		}
	}
}

func TestReportingTimeIsMonotonicWindowBoundary(t *testing.T) {
	p := params.Default()
	source := newSource(reporttypes.SourceTypeNavigation, 30*day)
	windows, err := ReportWindows(p, source)
	if err != nil {
		t.Fatal(err)
	}
	boundaries := make(map[int64]bool)
	for _, w := range windows {
		boundaries[w.UnixMilli()] = true
	}

	var previous time.Time
	for offset := time.Duration(0); offset <= 31*day; offset += 7 * time.Hour {
		got, err := ReportingTime(p, source, eventTime.Add(offset))
		if err != nil {
			t.Fatal(err)
		}
		if got.Before(previous) {
			t.Fatalf("reporting time decreased from %s to %s at offset %s", previous, got, offset)
		}
		if !boundaries[got.UnixMilli()] {
			t.Fatalf("reporting time %s is not a window boundary", got)
		}
		previous = got
	}
}

func TestTruncateTriggerData(t *testing.T) {
	p := params.Default()
	for _, tc := range []struct {
		sourceType reporttypes.SourceType
		data, want unsignedlong.UnsignedLong
	}{
		{reporttypes.SourceTypeNavigation, 7, 7},
		{reporttypes.SourceTypeNavigation, 9, 1},
		{reporttypes.SourceTypeEvent, 3, 1},
		{reporttypes.SourceTypeEvent, unsignedlong.MustParse("18446744073709551615"), 1},
	} {
		if got := TruncateTriggerData(p, tc.sourceType, tc.data); got != tc.want {
			t.Errorf("TruncateTriggerData(%s, %s) = %s, want %s", tc.sourceType, tc.data, got, tc.want)
		}
	}
}

func TestNewEventReport(t *testing.T) {
	p := params.Default()
	g := NewGenerator(p, rand.NewPCG(1, 2))
	g.NewID = func() string { return "report1" }

	source := newSource(reporttypes.SourceTypeNavigation, 20*day)
	dedupKey := unsignedlong.MustParse("100")
	trigger := &reporttypes.Trigger{
		ID:                     "trigger1",
		AttributionDestination: source.AttributionDestination,
		EnrollmentID:           source.EnrollmentID,
		TriggerTime:            eventTime.Add(2 * day),
	}
	datum := reporttypes.EventTriggerDatum{TriggerData: 7, Priority: 1, DedupKey: &dedupKey}

	got, err := g.NewEventReport(source, trigger, datum)
	if err != nil {
		t.Fatal(err)
	}
	want := &reporttypes.EventReport{
		ID:                     "report1",
		SourceID:               "source1",
		SourceEventID:          source.EventID,
		ReportTime:             eventTime.Add(3 * day),
		TriggerTime:            trigger.TriggerTime,
		TriggerPriority:        1,
		TriggerData:            7,
		AttributionDestination: source.AttributionDestination,
		AdTechDomain:           source.AdTechDomain,
		EnrollmentID:           source.EnrollmentID,
		TriggerDedupKey:        &dedupKey,
		RandomizedTriggerRate:  0.0024263,
		Status:                 reporttypes.ReportStatusPending,
		SourceType:             reporttypes.SourceTypeNavigation,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event report mismatch (-want +got):\n%s", diff)
	}
}

func TestNewEventReportDebugKeys(t *testing.T) {
	g := NewGenerator(params.Default(), nil)
	sourceKey, triggerKey := unsignedlong.UnsignedLong(1), unsignedlong.UnsignedLong(2)
	source := newSource(reporttypes.SourceTypeEvent, 20*day)
	source.DebugKey = &sourceKey
	for _, tc := range []struct {
		desc           string
		triggerKey     *unsignedlong.UnsignedLong
		debugReporting bool
		wantKeys       bool
	}{
		{"both keys with debug reporting", &triggerKey, true, true},
		{"debug reporting disabled", &triggerKey, false, false},
		{"missing trigger key", nil, true, false},
	} {
		trigger := &reporttypes.Trigger{TriggerTime: eventTime.Add(day), DebugKey: tc.triggerKey, DebugReporting: tc.debugReporting}
		report, err := g.NewEventReport(source, trigger, reporttypes.EventTriggerDatum{TriggerData: 1})
		if err != nil {
			t.Fatal(err)
		}
		if got := report.SourceDebugKey != nil && report.TriggerDebugKey != nil; got != tc.wantKeys {
			t.Errorf("%s: debug keys attached = %t, want %t", tc.desc, got, tc.wantKeys)
		}
		if !tc.wantKeys && (report.SourceDebugKey != nil || report.TriggerDebugKey != nil) {
			t.Errorf("%s: expect no debug key at all", tc.desc)
		}
	}
}
