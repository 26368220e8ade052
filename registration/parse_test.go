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

package registration

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

const day = 24 * time.Hour

var eventTime = time.UnixMilli(1640995200000).UTC()

func sourceContext() SourceContext {
	return SourceContext{
		ID:            "source1",
		Publisher:     "android-app://com.publisher",
		Registrant:    "android-app://com.publisher",
		EnrollmentID:  "enrollment1",
		AdTechDomain:  "https://adtech.example",
		EventTime:     eventTime,
		SourceType:    reporttypes.SourceTypeNavigation,
		AllowDebugKey: true,
	}
}

func triggerContext() TriggerContext {
	return TriggerContext{
		ID:                     "trigger1",
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		Registrant:             "android-app://com.advertiser",
		TriggerTime:            eventTime.Add(day),
		AllowDebugKey:          true,
	}
}

func key(v uint64) *unsignedlong.UnsignedLong {
	k := unsignedlong.UnsignedLong(v)
	return &k
}

func TestParseSourceRegistration(t *testing.T) {
	header := `{
		"destination": "android-app://com.advertiser",
		"source_event_id": "18446744073709551615",
		"expiry": "172800",
		"priority": "-5",
		"install_attribution_window": 86400,
		"post_install_exclusivity_window": "3600",
		"filter_data": {"product": ["1234", "2345"], "ctid": ["id"]},
		"aggregation_keys": {"campaignCounts": "0x159", "geoValue": "0x5"},
		"debug_key": "7"
	}`
	got, err := ParseSourceRegistration([]byte(header), sourceContext())
	if err != nil {
		t.Fatal(err)
	}
	want := &reporttypes.Source{
		ID:                       "source1",
		EventID:                  unsignedlong.MustParse("18446744073709551615"),
		Publisher:                "android-app://com.publisher",
		Registrant:               "android-app://com.publisher",
		AttributionDestination:   "android-app://com.advertiser",
		EnrollmentID:             "enrollment1",
		AdTechDomain:             "https://adtech.example",
		EventTime:                eventTime,
		ExpiryTime:               eventTime.Add(2 * day),
		Priority:                 -5,
		SourceType:               reporttypes.SourceTypeNavigation,
		InstallAttributionWindow: 2 * day,
		InstallCooldownWindow:    time.Hour,
		AggregateSource: map[string]uint128.Uint128{
			"campaignCounts": uint128.From64(0x159),
			"geoValue":       uint128.From64(0x5),
		},
		FilterData: reporttypes.FilterMap{"product": {"1234", "2345"}, "ctid": {"id"}},
		Status:     reporttypes.SourceStatusActive,
		DebugKey:   key(7),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("source mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSourceRegistrationDefaults(t *testing.T) {
	rc := sourceContext()
	rc.AllowDebugKey = false
	got, err := ParseSourceRegistration([]byte(`{"destination":"https://advertiser.example","source_event_id":1,"debug_key":"7"}`), rc)
	if err != nil {
		t.Fatal(err)
	}
	if want := eventTime.Add(30 * day); !got.ExpiryTime.Equal(want) {
		t.Errorf("expiry = %s, want %s", got.ExpiryTime, want)
	}
	if got.InstallAttributionWindow != 30*day || got.InstallCooldownWindow != 0 {
		t.Errorf("install windows = %s, %s, want %s, 0s", got.InstallAttributionWindow, got.InstallCooldownWindow, 30*day)
	}
	if got.EventID != 1 || got.Priority != 0 {
		t.Errorf("event ID and priority = %s, %d, want 1, 0", got.EventID, got.Priority)
	}
	if got.DebugKey != nil {
		t.Errorf("expect no debug key when debug keys are not allowed, got %s", got.DebugKey)
	}
}

func TestParseSourceRegistrationClampsExpiry(t *testing.T) {
	for _, tc := range []struct {
		expiry string
		want   time.Duration
	}{
		{`10`, 2 * day},
		{`"-1"`, 2 * day},
		{`"864000"`, 10 * day},
		{`99999999999`, 30 * day},
		{`"-9223372037"`, 2 * day},
		{`-9223372036854775808`, 2 * day},
		{`"9223372036854775807"`, 30 * day},
	} {
		header := fmt.Sprintf(`{"destination":"https://advertiser.example","source_event_id":"1","expiry":%s}`, tc.expiry)
		got, err := ParseSourceRegistration([]byte(header), sourceContext())
		if err != nil {
			t.Fatalf("expiry %s: %s", tc.expiry, err)
		}
		if want := eventTime.Add(tc.want); !got.ExpiryTime.Equal(want) {
			t.Errorf("expiry %s: got %s, want %s", tc.expiry, got.ExpiryTime, want)
		}
		if err := got.Validate(); err != nil {
			t.Errorf("expiry %s: %v", tc.expiry, err)
		}
	}
}

func TestParseSourceRegistrationLegacyAggregationKeys(t *testing.T) {
	header := `{"destination":"https://advertiser.example","source_event_id":"1",
		"aggregation_keys":[{"id":"campaignCounts","key_piece":"0x159"},{"id":"geoValue","key_piece":"0xFFFFFFFFFFFFFFFF0000000000000001"}]}`
	got, err := ParseSourceRegistration([]byte(header), sourceContext())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]uint128.Uint128{
		"campaignCounts": uint128.From64(0x159),
		"geoValue":       uint128.New(1, 0xFFFFFFFFFFFFFFFF),
	}
	if diff := cmp.Diff(want, got.AggregateSource); diff != "" {
		t.Errorf("aggregation keys mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSourceRegistrationIgnoresInvalidDebugKey(t *testing.T) {
	got, err := ParseSourceRegistration([]byte(`{"destination":"https://advertiser.example","source_event_id":"1","debug_key":"abc"}`), sourceContext())
	if err != nil {
		t.Fatal(err)
	}
	if got.DebugKey != nil {
		t.Errorf("expect no debug key, got %s", got.DebugKey)
	}
}

func manyFilterValues(n int) string {
	values := make([]string, n)
	for i := range values {
		values[i] = fmt.Sprintf("%q", fmt.Sprint(i))
	}
	return "[" + strings.Join(values, ",") + "]"
}

func manyObjectEntries(n int, value string) string {
	entries := make([]string, n)
	for i := range entries {
		entries[i] = fmt.Sprintf(`"k%d":%s`, i, value)
	}
	return "{" + strings.Join(entries, ",") + "}"
}

func TestParseSourceRegistrationInvalid(t *testing.T) {
	const valid = `"destination":"https://advertiser.example","source_event_id":"1"`
	for _, tc := range []struct {
		desc, header, field string
	}{
		{"malformed", `{`, ""},
		{"missing destination", `{"source_event_id":"1"}`, "destination"},
		{"relative destination", `{"destination":"com.advertiser","source_event_id":"1"}`, "destination"},
		{"numeric destination", `{"destination":1,"source_event_id":"1"}`, "destination"},
		{"missing event ID", `{"destination":"https://advertiser.example"}`, "source_event_id"},
		{"negative event ID", `{"destination":"https://advertiser.example","source_event_id":"-1"}`, "source_event_id"},
		{"event ID over 64 bits", `{"destination":"https://advertiser.example","source_event_id":"18446744073709551616"}`, "source_event_id"},
		{"invalid expiry", `{` + valid + `,"expiry":"soon"}`, "expiry"},
		{"invalid priority", `{` + valid + `,"priority":"high"}`, "priority"},
		{"reserved filter key", `{` + valid + `,"filter_data":{"source_type":["event"]}}`, "filter_data"},
		{"too many filter values", `{` + valid + `,"filter_data":{"product":` + manyFilterValues(51) + `}}`, "filter_data"},
		{"too many filter keys", `{` + valid + `,"filter_data":` + manyObjectEntries(51, `["1"]`) + `}`, "filter_data"},
		{"long filter value", `{` + valid + `,"filter_data":{"product":["` + strings.Repeat("a", 26) + `"]}}`, "filter_data"},
		{"long filter key", `{` + valid + `,"filter_data":{"` + strings.Repeat("a", 26) + `":["1"]}}`, "filter_data"},
		{"non-string filter value", `{` + valid + `,"filter_data":{"product":[1]}}`, "filter_data"},
		{"too many aggregation keys", `{` + valid + `,"aggregation_keys":` + manyObjectEntries(51, `"0x1"`) + `}`, "aggregation_keys"},
		{"key piece without prefix", `{` + valid + `,"aggregation_keys":{"a":"159"}}`, "aggregation_keys"},
		{"non-hex key piece", `{` + valid + `,"aggregation_keys":{"a":"0xZZ"}}`, "aggregation_keys"},
		{"key piece over 128 bits", `{` + valid + `,"aggregation_keys":{"a":"0x` + strings.Repeat("f", 33) + `"}}`, "aggregation_keys"},
		{"long key ID", `{` + valid + `,"aggregation_keys":{"` + strings.Repeat("a", 26) + `":"0x1"}}`, "aggregation_keys"},
		{"aggregation keys not an object", `{` + valid + `,"aggregation_keys":5}`, "aggregation_keys"},
	} {
		_, err := ParseSourceRegistration([]byte(tc.header), sourceContext())
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("%s: expect a ValidationError, got %v", tc.desc, err)
			continue
		}
		if vErr.Field != tc.field {
			t.Errorf("%s: error field = %q, want %q", tc.desc, vErr.Field, tc.field)
		}
	}
}

func TestParseTriggerRegistration(t *testing.T) {
	header := `{
		"event_trigger_data": [
			{"trigger_data": "2", "priority": "101", "deduplication_key": "1", "filters": {"source_type": ["navigation"]}},
			{"trigger_data": "abc", "priority": "x", "deduplication_key": "-3"}
		],
		"aggregatable_trigger_data": [
			{"key_piece": "0x400", "source_keys": ["campaignCounts"], "not_filters": [{"product": ["0"]}]}
		],
		"aggregatable_values": {"campaignCounts": 32768},
		"aggregatable_deduplication_keys": [{"deduplication_key": "3", "filters": {"product": ["1234"]}}, {}],
		"filters": {"product": ["1234"]},
		"not_filters": [{"ctid": ["x"]}, {"geo": []}],
		"debug_key": "9",
		"debug_reporting": true
	}`
	got, err := ParseTriggerRegistration([]byte(header), triggerContext())
	if err != nil {
		t.Fatal(err)
	}
	want := &reporttypes.Trigger{
		ID:                     "trigger1",
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		Registrant:             "android-app://com.advertiser",
		TriggerTime:            eventTime.Add(day),
		EventTriggers: []reporttypes.EventTriggerDatum{
			{
				TriggerData: 2,
				Priority:    101,
				DedupKey:    key(1),
				Filters:     reporttypes.FilterSet{{"source_type": {"navigation"}}},
			},
			{},
		},
		AggregatableTriggerData: []reporttypes.AggregatableTriggerDatum{
			{
				KeyPiece:   uint128.From64(0x400),
				SourceKeys: []string{"campaignCounts"},
				NotFilters: reporttypes.FilterSet{{"product": {"0"}}},
			},
		},
		AggregatableValues: map[string]uint32{"campaignCounts": 32768},
		AggregatableDedupKeys: []reporttypes.AggregateDedupKey{
			{DedupKey: key(3), Filters: reporttypes.FilterSet{{"product": {"1234"}}}},
			{},
		},
		Filters:        reporttypes.FilterSet{{"product": {"1234"}}},
		NotFilters:     reporttypes.FilterSet{{"ctid": {"x"}}, {"geo": {}}},
		DebugKey:       key(9),
		DebugReporting: true,
		Status:         reporttypes.TriggerStatusPending,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trigger mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTriggerRegistrationEmpty(t *testing.T) {
	rc := triggerContext()
	rc.AllowDebugKey = false
	got, err := ParseTriggerRegistration([]byte(`{"debug_key":"9","debug_reporting":"yes"}`), rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.EventTriggers) != 0 || got.HasAggregatableData() {
		t.Errorf("expect no trigger data, got %+v", got)
	}
	if got.DebugKey != nil || got.DebugReporting {
		t.Errorf("expect no debug key nor debug reporting, got %v, %t", got.DebugKey, got.DebugReporting)
	}
}

func TestParseTriggerRegistrationInvalid(t *testing.T) {
	eventData := func(n int) string {
		entries := make([]string, n)
		for i := range entries {
			entries[i] = fmt.Sprintf(`{"trigger_data":"%d"}`, i)
		}
		return "[" + strings.Join(entries, ",") + "]"
	}
	for _, tc := range []struct {
		desc, header, field string
	}{
		{"malformed", `[`, ""},
		{"too many event trigger data", `{"event_trigger_data":` + eventData(11) + `}`, "event_trigger_data"},
		{"event trigger data not a list", `{"event_trigger_data":{"trigger_data":"1"}}`, "event_trigger_data"},
		{"invalid event filters", `{"event_trigger_data":[{"trigger_data":"1","filters":{"product":"1"}}]}`, "event_trigger_data[0].filters"},
		{"missing key piece", `{"aggregatable_trigger_data":[{"source_keys":["a"]}]}`, "aggregatable_trigger_data[0]"},
		{"invalid key piece", `{"aggregatable_trigger_data":[{"key_piece":"0x","source_keys":["a"]}]}`, "aggregatable_trigger_data[0]"},
		{"missing source keys", `{"aggregatable_trigger_data":[{"key_piece":"0x1"}]}`, "aggregatable_trigger_data[0]"},
		{"long source key", `{"aggregatable_trigger_data":[{"key_piece":"0x1","source_keys":["` + strings.Repeat("a", 26) + `"]}]}`, "aggregatable_trigger_data[0]"},
		{"zero aggregatable value", `{"aggregatable_values":{"a":0}}`, "aggregatable_values"},
		{"aggregatable value over budget", `{"aggregatable_values":{"a":65537}}`, "aggregatable_values"},
		{"fractional aggregatable value", `{"aggregatable_values":{"a":1.5}}`, "aggregatable_values"},
		{"too many aggregatable values", `{"aggregatable_values":` + manyObjectEntries(51, `1`) + `}`, "aggregatable_values"},
		{"invalid dedup key", `{"aggregatable_deduplication_keys":[{"deduplication_key":"x"}]}`, "aggregatable_deduplication_keys[0]"},
		{"invalid filters", `{"filters":"product"}`, "filters"},
		{"too many not_filters values", `{"not_filters":[{"product":` + manyFilterValues(51) + `}]}`, "not_filters"},
	} {
		_, err := ParseTriggerRegistration([]byte(tc.header), triggerContext())
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("%s: expect a ValidationError, got %v", tc.desc, err)
			continue
		}
		if vErr.Field != tc.field {
			t.Errorf("%s: error field = %q, want %q", tc.desc, vErr.Field, tc.field)
		}
	}
}
