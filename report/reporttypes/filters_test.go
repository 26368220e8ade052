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

package reporttypes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

func TestMatchFilters(t *testing.T) {
	source := FilterMap{
		"product":         {"1234", "5678"},
		"conversion_type": {"sale"},
		"empty":           {},
	}
	for _, tc := range []struct {
		desc       string
		filters    FilterSet
		notFilters FilterSet
		want       bool
	}{
		{desc: "no filters", want: true},
		{desc: "shared value", filters: FilterSet{{"product": {"1234", "0000"}}}, want: true},
		{desc: "no shared value", filters: FilterSet{{"product": {"0000"}}}, want: false},
		{desc: "key absent from source is ignored", filters: FilterSet{{"unknown": {"x"}}}, want: true},
		{desc: "every key must match", filters: FilterSet{{"product": {"1234"}, "conversion_type": {"signup"}}}, want: false},
		{desc: "any map in the set", filters: FilterSet{{"product": {"0000"}}, {"conversion_type": {"sale"}}}, want: true},
		{desc: "not filter with shared value", notFilters: FilterSet{{"product": {"5678"}}}, want: false},
		{desc: "not filter without shared value", notFilters: FilterSet{{"product": {"0000"}}}, want: true},
		{desc: "empty list matches empty source list", filters: FilterSet{{"empty": {}}}, want: true},
		{desc: "empty list does not match values", filters: FilterSet{{"product": {}}}, want: false},
		{desc: "empty not filter list matches values", notFilters: FilterSet{{"product": {}}}, want: true},
		{desc: "empty not filter list on empty source list", notFilters: FilterSet{{"empty": {}}}, want: false},
		{
			desc:       "filters and not filters combined",
			filters:    FilterSet{{"product": {"1234"}}},
			notFilters: FilterSet{{"conversion_type": {"sale"}}},
			want:       false,
		},
	} {
		if got := MatchFilters(source, tc.filters, tc.notFilters); got != tc.want {
			t.Errorf("%s: MatchFilters() = %t, want %t", tc.desc, got, tc.want)
		}
	}
}

func TestEffectiveFilterDataAddsSourceType(t *testing.T) {
	s := &Source{SourceType: SourceTypeNavigation, FilterData: FilterMap{"product": {"1"}}}
	want := FilterMap{"product": {"1"}, SourceTypeFilterKey: {"navigation"}}
	if diff := cmp.Diff(want, s.EffectiveFilterData()); diff != "" {
		t.Errorf("filter data mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.FilterData[SourceTypeFilterKey]; ok {
		t.Error("registered filter data must not be modified")
	}
	if !MatchFilters(s.EffectiveFilterData(), FilterSet{{SourceTypeFilterKey: {"navigation"}}}, nil) {
		t.Error("expect source type filter to match")
	}
}

func TestSourceValidate(t *testing.T) {
	now := time.Unix(1600000000, 0)
	valid := Source{
		ID:                     "s1",
		AttributionDestination: "android-app://com.example",
		EnrollmentID:           "enrollment",
		EventTime:              now,
		ExpiryTime:             now.Add(24 * time.Hour),
		SourceType:             SourceTypeEvent,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %s", err)
	}

	expired := valid
	expired.ExpiryTime = now
	if err := expired.Validate(); err == nil {
		t.Error("expect error when expiry is not after event time")
	}

	badType := valid
	badType.SourceType = "click"
	if err := badType.Validate(); err == nil {
		t.Error("expect error for unknown source type")
	}
}

func TestSourceDedupKeys(t *testing.T) {
	s := &Source{EventReportDedupKeys: []unsignedlong.UnsignedLong{1, 2, 3}}
	if !s.HasEventReportDedupKey(2) {
		t.Fatal("expect key 2 to be present")
	}
	s.RemoveEventReportDedupKey(2)
	if s.HasEventReportDedupKey(2) {
		t.Fatal("expect key 2 to be removed")
	}
	if diff := cmp.Diff([]unsignedlong.UnsignedLong{1, 3}, s.EventReportDedupKeys); diff != "" {
		t.Errorf("dedup keys mismatch (-want +got):\n%s", diff)
	}

	clone := s.Clone()
	clone.EventReportDedupKeys = append(clone.EventReportDedupKeys, 4)
	if s.HasEventReportDedupKey(4) {
		t.Error("clone must not share dedup keys with the original")
	}
}

func TestContributionJSON(t *testing.T) {
	want := AggregateHistogramContribution{Key: uint128.New(0x159, 1), Value: 664}
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if wantStr, got := `{"bucket":"18446744073709551961","value":664}`, string(b); wantStr != got {
		t.Fatalf("want %s, got %s", wantStr, got)
	}
	var got AggregateHistogramContribution
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Key.Equals(want.Key) || got.Value != want.Value {
		t.Errorf("want %+v, got %+v", want, got)
	}
}

func TestKeyExpired(t *testing.T) {
	now := time.Unix(1600000000, 0)
	key := AggregateEncryptionKey{KeyID: "k", Expiry: now}
	if !key.Expired(now) {
		t.Error("key must be expired at its expiry time")
	}
	if key.Expired(now.Add(-time.Second)) {
		t.Error("key must be valid before its expiry time")
	}
}
