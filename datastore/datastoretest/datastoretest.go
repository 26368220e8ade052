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

// Package datastoretest contains the behavior tests shared by the datastore implementations.
package datastoretest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

// EventTime is the registration time of the sources created by the tests.
var EventTime = time.UnixMilli(1640995200000).UTC()

// NewSource returns a valid source registered at EventTime.
func NewSource(id string) *reporttypes.Source {
	debugKey := unsignedlong.MustParse("18446744073709551615")
	return &reporttypes.Source{
		ID:                     id,
		EventID:                unsignedlong.MustParse("9223372036854775808"),
		Publisher:              "android-app://com.publisher",
		Registrant:             "android-app://com.registrant",
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		EventTime:              EventTime,
		ExpiryTime:             EventTime.Add(30 * 24 * time.Hour),
		Priority:               100,
		SourceType:             reporttypes.SourceTypeNavigation,
		AttributionMode:        reporttypes.AttributionModeTruthfully,
		AggregateSource:        map[string]uint128.Uint128{"campaignCounts": uint128.New(0x159, 0x1)},
		FilterData:             reporttypes.FilterMap{"product": {"1234"}},
		Status:                 reporttypes.SourceStatusActive,
		DebugKey:               &debugKey,
	}
}

// NewTrigger returns a pending trigger for the destination of NewSource.
func NewTrigger(id string, triggerTime time.Time) *reporttypes.Trigger {
	dedupKey := unsignedlong.FromInt64(7)
	return &reporttypes.Trigger{
		ID:                     id,
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		Registrant:             "android-app://com.advertiser",
		TriggerTime:            triggerTime,
		EventTriggers: []reporttypes.EventTriggerDatum{
			{TriggerData: unsignedlong.FromInt64(3), Priority: 5, DedupKey: &dedupKey, Filters: reporttypes.FilterSet{{"product": {"1234"}}}},
		},
		AggregatableTriggerData: []reporttypes.AggregatableTriggerDatum{
			{KeyPiece: uint128.From64(0x400), SourceKeys: []string{"campaignCounts"}},
		},
		AggregatableValues: map[string]uint32{"campaignCounts": 100},
		Status:             reporttypes.TriggerStatusPending,
	}
}

func transact(ctx context.Context, t *testing.T, store datastore.Store, fn func(ctx context.Context, tx datastore.Transaction) error) {
	t.Helper()
	if err := store.Transact(ctx, fn); err != nil {
		t.Fatal(err)
	}
}

// Run runs the shared tests against stores created by newStore.
func Run(t *testing.T, newStore func(t *testing.T) datastore.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store datastore.Store)
	}{
		{"SourceRoundTrip", testSourceRoundTrip},
		{"MatchingSources", testMatchingSources},
		{"Rollback", testRollback},
		{"Triggers", testTriggers},
		{"EventReports", testEventReports},
		{"AggregateReports", testAggregateReports},
		{"RateLimits", testRateLimits},
		{"DeleteExpiredRecords", testDeleteExpiredRecords},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			tc.fn(t, store)
		})
	}
}

func testSourceRoundTrip(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	want := NewSource("source1")
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.InsertSource(ctx, want)
	})

	var got *reporttypes.Source
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		got, err = tx.GetSource(ctx, "source1")
		return err
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("source mismatch (-want +got):\n%s", diff)
	}

	got.Status = reporttypes.SourceStatusAttributed
	got.EventReportDedupKeys = []unsignedlong.UnsignedLong{unsignedlong.MustParse("18446744073709551615")}
	got.AggregateReportDedupKeys = []unsignedlong.UnsignedLong{unsignedlong.FromInt64(1)}
	got.AggregateContributions = 100
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.UpdateSource(ctx, got)
	})
	var updated *reporttypes.Source
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		updated, err = tx.GetSource(ctx, "source1")
		return err
	})
	if diff := cmp.Diff(got, updated); diff != "" {
		t.Errorf("updated source mismatch (-want +got):\n%s", diff)
	}

	err := store.Transact(ctx, func(ctx context.Context, tx datastore.Transaction) error {
		_, err := tx.GetSource(ctx, "unknown")
		return err
	})
	if !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("want error %v, got %v", datastore.ErrNotFound, err)
	}
}

func testMatchingSources(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	expired := NewSource("expired")
	expired.ExpiryTime = EventTime.Add(time.Hour)
	otherDestination := NewSource("otherDestination")
	otherDestination.AttributionDestination = "android-app://com.other"
	otherEnrollment := NewSource("otherEnrollment")
	otherEnrollment.EnrollmentID = "enrollment2"
	ignored := NewSource("ignored")
	ignored.Status = reporttypes.SourceStatusIgnored
	attributed := NewSource("attributed")
	attributed.Status = reporttypes.SourceStatusAttributed
	future := NewSource("future")
	future.EventTime = EventTime.Add(48 * time.Hour)

	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		for _, s := range []*reporttypes.Source{NewSource("first"), expired, otherDestination, otherEnrollment, ignored, attributed, future, NewSource("last")} {
			if err := tx.InsertSource(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})

	var got []string
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		sources, err := tx.MatchingSources(ctx, NewTrigger("trigger1", EventTime.Add(24*time.Hour)))
		for _, s := range sources {
			got = append(got, s.ID)
		}
		return err
	})
	if diff := cmp.Diff([]string{"first", "attributed", "last"}, got); diff != "" {
		t.Errorf("matching sources mismatch (-want +got):\n%s", diff)
	}
}

func testRollback(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	errAbort := errors.New("abort")
	err := store.Transact(ctx, func(ctx context.Context, tx datastore.Transaction) error {
		if err := tx.InsertSource(ctx, NewSource("source1")); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("want error %v, got %v", errAbort, err)
	}
	if datastore.RunInTransaction(ctx, store, func(ctx context.Context, tx datastore.Transaction) error {
		_, err := tx.GetSource(ctx, "source1")
		return err
	}) {
		t.Error("expect the source insert to be rolled back")
	}
}

func testTriggers(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	want := NewTrigger("trigger2", EventTime.Add(2*time.Hour))
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		if err := tx.InsertTrigger(ctx, want); err != nil {
			return err
		}
		return tx.InsertTrigger(ctx, NewTrigger("trigger1", EventTime.Add(time.Hour)))
	})

	var got *reporttypes.Trigger
	var pending []string
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		if got, err = tx.GetTrigger(ctx, "trigger2"); err != nil {
			return err
		}
		pending, err = tx.PendingTriggerIDs(ctx, 10)
		return err
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trigger mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"trigger1", "trigger2"}, pending); diff != "" {
		t.Errorf("pending triggers mismatch (-want +got):\n%s", diff)
	}

	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		if err := tx.UpdateTriggerStatus(ctx, "trigger1", reporttypes.TriggerStatusAttributed); err != nil {
			return err
		}
		var err error
		pending, err = tx.PendingTriggerIDs(ctx, 1)
		return err
	})
	if diff := cmp.Diff([]string{"trigger2"}, pending); diff != "" {
		t.Errorf("pending triggers mismatch (-want +got):\n%s", diff)
	}
}

func testEventReports(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	dedupKey := unsignedlong.FromInt64(9)
	reports := []*reporttypes.EventReport{
		{ID: "b", SourceID: "source1", SourceEventID: unsignedlong.FromInt64(1), ReportTime: EventTime.Add(time.Hour), TriggerTime: EventTime, TriggerData: unsignedlong.FromInt64(1), TriggerDedupKey: &dedupKey, AttributionDestination: "android-app://com.advertiser", AdTechDomain: "https://adtech.example", EnrollmentID: "enrollment1", RandomizedTriggerRate: 0.0024263, SourceType: reporttypes.SourceTypeNavigation},
		{ID: "a", SourceID: "source1", ReportTime: EventTime.Add(2 * time.Hour), TriggerTime: time.UnixMilli(0).UTC(), SourceType: reporttypes.SourceTypeNavigation},
		{ID: "c", SourceID: "source2", ReportTime: EventTime.Add(3 * time.Hour), SourceType: reporttypes.SourceTypeEvent},
	}
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		for _, r := range reports {
			if err := tx.InsertEventReport(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})

	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		got, err := tx.SourceEventReports(ctx, "source1")
		if err != nil {
			return err
		}
		if diff := cmp.Diff(reports[:2], got); diff != "" {
			t.Errorf("source reports mismatch (-want +got):\n%s", diff)
		}
		ids, err := tx.PendingEventReportIDs(ctx, EventTime, EventTime.Add(2*time.Hour))
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
			t.Errorf("pending reports mismatch (-want +got):\n%s", diff)
		}
		if err := tx.MarkEventReportDelivered(ctx, "a"); err != nil {
			return err
		}
		return tx.DeleteEventReport(ctx, "c")
	})

	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		ids, err := tx.PendingEventReportIDs(ctx, EventTime, EventTime.Add(24*time.Hour))
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]string{"b"}, ids); diff != "" {
			t.Errorf("pending reports mismatch (-want +got):\n%s", diff)
		}
		report, err := tx.GetEventReport(ctx, "a")
		if err != nil {
			return err
		}
		if report.Status != reporttypes.ReportStatusDelivered {
			t.Errorf("want status %v, got %v", reporttypes.ReportStatusDelivered, report.Status)
		}
		if _, err := tx.GetEventReport(ctx, "c"); !errors.Is(err, datastore.ErrNotFound) {
			t.Errorf("want error %v for a deleted report, got %v", datastore.ErrNotFound, err)
		}
		return nil
	})
}

func testAggregateReports(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	debugKey := unsignedlong.MustParse("18446744073709551615")
	want := &reporttypes.AggregateReport{
		ID:                     "report1",
		Publisher:              "android-app://com.publisher",
		AttributionDestination: "android-app://com.advertiser",
		SourceRegistrationTime: EventTime,
		ScheduledReportTime:    EventTime.Add(time.Hour),
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		Contributions: []reporttypes.AggregateHistogramContribution{
			{Key: uint128.New(0x559, 0x1), Value: 100},
		},
		APIVersion:      "0.1",
		SourceDebugKey:  &debugKey,
		TriggerDebugKey: &debugKey,
		DebugReporting:  true,
		SourceID:        "source1",
		TriggerID:       "trigger1",
	}
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.InsertAggregateReport(ctx, want)
	})
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		got, err := tx.GetAggregateReport(ctx, "report1")
		if err != nil {
			return err
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("aggregate report mismatch (-want +got):\n%s", diff)
		}
		ids, err := tx.PendingAggregateReportIDs(ctx, EventTime, EventTime.Add(time.Hour))
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]string{"report1"}, ids); diff != "" {
			t.Errorf("pending reports mismatch (-want +got):\n%s", diff)
		}
		return tx.MarkAggregateReportDelivered(ctx, "report1")
	})
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		ids, err := tx.PendingAggregateReportIDs(ctx, EventTime, EventTime.Add(time.Hour))
		if len(ids) != 0 {
			t.Errorf("want no pending reports, got %v", ids)
		}
		return err
	})
}

func testRateLimits(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		for _, l := range []*reporttypes.AttributionRateLimit{
			{ID: "1", SourceSite: "android-app://com.publisher", DestinationSite: "android-app://com.advertiser", EnrollmentID: "enrollment1", TriggerTime: EventTime.Add(time.Hour)},
			{ID: "2", SourceSite: "android-app://com.publisher", DestinationSite: "android-app://com.advertiser", EnrollmentID: "enrollment1", TriggerTime: EventTime.Add(2 * time.Hour)},
			{ID: "3", SourceSite: "android-app://com.publisher", DestinationSite: "android-app://com.advertiser", EnrollmentID: "enrollment2", TriggerTime: EventTime.Add(2 * time.Hour)},
			{ID: "4", SourceSite: "android-app://com.publisher", DestinationSite: "android-app://com.advertiser", EnrollmentID: "enrollment1", TriggerTime: EventTime},
		} {
			if err := tx.InsertAttributionRateLimit(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		got, err := tx.CountAttributions(ctx, "android-app://com.publisher", "android-app://com.advertiser", "enrollment1", EventTime, EventTime.Add(2*time.Hour))
		if want := 2; got != want {
			t.Errorf("want %d attributions, got %d", want, got)
		}
		return err
	})
}

func testDeleteExpiredRecords(t *testing.T, store datastore.Store) {
	ctx := context.Background()
	now := EventTime.Add(40 * 24 * time.Hour)
	retention := 30 * 24 * time.Hour

	live := NewSource("live")
	live.ExpiryTime = now.Add(time.Hour)
	oldTrigger := NewTrigger("old", EventTime)
	oldTrigger.Status = reporttypes.TriggerStatusAttributed
	pendingTrigger := NewTrigger("pending", EventTime)
	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		for _, s := range []*reporttypes.Source{NewSource("expired"), live} {
			if err := tx.InsertSource(ctx, s); err != nil {
				return err
			}
		}
		for _, trigger := range []*reporttypes.Trigger{oldTrigger, pendingTrigger} {
			if err := tx.InsertTrigger(ctx, trigger); err != nil {
				return err
			}
		}
		if err := tx.InsertEventReport(ctx, &reporttypes.EventReport{ID: "delivered", SourceID: "expired", ReportTime: EventTime, Status: reporttypes.ReportStatusDelivered, SourceType: reporttypes.SourceTypeEvent}); err != nil {
			return err
		}
		return tx.InsertEventReport(ctx, &reporttypes.EventReport{ID: "pending", SourceID: "expired", ReportTime: EventTime, SourceType: reporttypes.SourceTypeEvent})
	})

	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.DeleteExpiredRecords(ctx, now, retention)
	})

	transact(ctx, t, store, func(ctx context.Context, tx datastore.Transaction) error {
		for _, check := range []struct {
			name   string
			get    func() error
			exists bool
		}{
			{"expired source", func() error { _, err := tx.GetSource(ctx, "expired"); return err }, false},
			{"live source", func() error { _, err := tx.GetSource(ctx, "live"); return err }, true},
			{"processed trigger", func() error { _, err := tx.GetTrigger(ctx, "old"); return err }, false},
			{"pending trigger", func() error { _, err := tx.GetTrigger(ctx, "pending"); return err }, true},
			{"delivered report", func() error { _, err := tx.GetEventReport(ctx, "delivered"); return err }, false},
			{"pending report", func() error { _, err := tx.GetEventReport(ctx, "pending"); return err }, true},
		} {
			err := check.get()
			if check.exists && err != nil {
				t.Errorf("want %s kept, got error %v", check.name, err)
			}
			if !check.exists && !errors.Is(err, datastore.ErrNotFound) {
				t.Errorf("want %s deleted, got error %v", check.name, err)
			}
		}
		return nil
	})
}
