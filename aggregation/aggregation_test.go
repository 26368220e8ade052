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

package aggregation

import (
	"context"
	"encoding/base64"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/privacy-sandbox-measurement/encryption/cryptoio"
	"github.com/google/privacy-sandbox-measurement/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

var eventTime = time.UnixMilli(1640995200000).UTC()

func newSource() *reporttypes.Source {
	return &reporttypes.Source{
		ID:                     "source1",
		Publisher:              "android-app://com.publisher",
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		EventTime:              eventTime,
		ExpiryTime:             eventTime.Add(30 * 24 * time.Hour),
		SourceType:             reporttypes.SourceTypeNavigation,
		AggregateSource: map[string]uint128.Uint128{
			"campaignCounts": uint128.From64(0x159),
			"geoValue":       uint128.From64(0x5),
		},
		FilterData: reporttypes.FilterMap{"product": {"1234"}},
	}
}

func newTrigger() *reporttypes.Trigger {
	return &reporttypes.Trigger{
		ID:                     "trigger1",
		AttributionDestination: "android-app://com.advertiser",
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		TriggerTime:            eventTime.Add(time.Hour),
		AggregatableTriggerData: []reporttypes.AggregatableTriggerDatum{
			{
				KeyPiece:   uint128.From64(0x400),
				SourceKeys: []string{"campaignCounts"},
				Filters:    reporttypes.FilterSet{{"product": {"1234", "5678"}}},
			},
			{
				KeyPiece:   uint128.From64(0xA80),
				SourceKeys: []string{"geoValue", "nonMatchingKey"},
				Filters:    reporttypes.FilterSet{{"product": {"9999"}}},
			},
		},
		AggregatableValues: map[string]uint32{"campaignCounts": 32768, "geoValue": 1664, "unknown": 7},
	}
}

func TestGenerateContributions(t *testing.T) {
	got, err := GenerateContributions(newSource(), newTrigger())
	if err != nil {
		t.Fatal(err)
	}
	want := []reporttypes.AggregateHistogramContribution{
		{Key: uint128.From64(0x559), Value: 32768},
		{Key: uint128.From64(0x5), Value: 1664},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("contributions mismatch (-want +got):\n%s", diff)
	}
	if want, got := 34432, SumContributions(got); want != got {
		t.Errorf("want L1 norm %d, got %d", want, got)
	}
}

func TestDeriveKeysIgnoresTriggerDataOrder(t *testing.T) {
	trigger := newTrigger()
	trigger.AggregatableTriggerData = []reporttypes.AggregatableTriggerDatum{
		{KeyPiece: uint128.From64(0x400), SourceKeys: []string{"campaignCounts"}},
		{KeyPiece: uint128.From64(0x3), SourceKeys: []string{"campaignCounts", "geoValue"}},
	}
	first := DeriveKeys(newSource(), trigger)

	trigger.AggregatableTriggerData[0], trigger.AggregatableTriggerData[1] = trigger.AggregatableTriggerData[1], trigger.AggregatableTriggerData[0]
	second := DeriveKeys(newSource(), trigger)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("derived keys mismatch (-first +second):\n%s", diff)
	}
	want := map[string]uint128.Uint128{
		"campaignCounts": uint128.From64(0x159 ^ 0x400 ^ 0x3),
		"geoValue":       uint128.From64(0x5 ^ 0x3),
	}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("derived keys mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateContributionsTooManyKeys(t *testing.T) {
	source, trigger := newSource(), newTrigger()
	source.AggregateSource = make(map[string]uint128.Uint128)
	trigger.AggregatableValues = make(map[string]uint32)
	for i := 0; i <= params.MaxAggregateKeysPerRegistration; i++ {
		name := string(rune('a'+i/26)) + string(rune('a'+i%26))
		source.AggregateSource[name] = uint128.From64(uint64(i))
		trigger.AggregatableValues[name] = 1
	}
	if _, err := GenerateContributions(source, trigger); err == nil {
		t.Error("expect an error for too many contributions")
	}
}

func TestMatchingDedupKey(t *testing.T) {
	key1, key2 := unsignedlong.FromInt64(1), unsignedlong.FromInt64(2)
	trigger := newTrigger()
	trigger.AggregatableDedupKeys = []reporttypes.AggregateDedupKey{
		{DedupKey: &key1, Filters: reporttypes.FilterSet{{"product": {"0000"}}}},
		{DedupKey: &key2, NotFilters: reporttypes.FilterSet{{"product": {"0000"}}}},
	}
	got := MatchingDedupKey(newSource(), trigger)
	if got == nil || *got != key2 {
		t.Fatalf("want dedup key %v, got %v", key2, got)
	}

	trigger.AggregatableDedupKeys = trigger.AggregatableDedupKeys[:1]
	if got := MatchingDedupKey(newSource(), trigger); got != nil {
		t.Errorf("want no dedup key, got %v", *got)
	}
}

func TestScheduledReportTime(t *testing.T) {
	p := params.Default()
	builder := NewReportBuilder(p, rand.NewPCG(1, 2), func() string { return "report1" })
	trigger := newTrigger()
	minDelay := p.AggregateReportMinDelay.Duration()
	maxDelay := minDelay + p.AggregateReportDelaySpan.Duration()
	for i := 0; i < 1000; i++ {
		report := builder.NewAggregateReport(newSource(), trigger, nil)
		delay := report.ScheduledReportTime.Sub(trigger.TriggerTime)
		if delay < minDelay || delay >= maxDelay {
			t.Fatalf("report delay %v out of range [%v, %v)", delay, minDelay, maxDelay)
		}
	}
}

func TestNewAggregateReport(t *testing.T) {
	sourceKey, triggerKey := unsignedlong.FromInt64(11), unsignedlong.FromInt64(22)
	source, trigger := newSource(), newTrigger()
	source.DebugKey, trigger.DebugKey = &sourceKey, &triggerKey
	builder := NewReportBuilder(params.Default(), rand.NewPCG(1, 2), func() string { return "report1" })
	contributions := []reporttypes.AggregateHistogramContribution{{Key: uint128.From64(1), Value: 2}}

	got := builder.NewAggregateReport(source, trigger, contributions)
	if got.SourceDebugKey != nil || got.TriggerDebugKey != nil {
		t.Errorf("want no debug keys without debug reporting, got %v %v", got.SourceDebugKey, got.TriggerDebugKey)
	}
	want := &reporttypes.AggregateReport{
		ID:                     "report1",
		Publisher:              source.Publisher,
		AttributionDestination: trigger.AttributionDestination,
		SourceRegistrationTime: source.EventTime,
		ScheduledReportTime:    got.ScheduledReportTime,
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		Contributions:          contributions,
		Status:                 reporttypes.ReportStatusPending,
		APIVersion:             "0.1",
		SourceID:               "source1",
		TriggerID:              "trigger1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	trigger.DebugReporting = true
	got = builder.NewAggregateReport(source, trigger, contributions)
	if got.SourceDebugKey == nil || *got.SourceDebugKey != sourceKey || got.TriggerDebugKey == nil || *got.TriggerDebugKey != triggerKey {
		t.Errorf("want debug keys %v %v, got %v %v", sourceKey, triggerKey, got.SourceDebugKey, got.TriggerDebugKey)
	}
}

func newReport() *reporttypes.AggregateReport {
	return &reporttypes.AggregateReport{
		ID:                     "report1",
		Publisher:              "android-app://com.publisher",
		AttributionDestination: "android-app://com.advertiser",
		SourceRegistrationTime: eventTime,
		ScheduledReportTime:    eventTime.Add(time.Hour),
		EnrollmentID:           "enrollment1",
		AdTechDomain:           "https://adtech.example",
		Contributions: []reporttypes.AggregateHistogramContribution{
			{Key: uint128.From64(0x559), Value: 32768},
			{Key: uint128.New(0x5, 0x1), Value: 1664},
		},
		APIVersion: "0.1",
	}
}

func TestSharedInfo(t *testing.T) {
	got, err := SharedInfo(newReport())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"api":"attribution-reporting","attribution_destination":"android-app://com.advertiser","report_id":"report1","reporting_origin":"https://adtech.example","scheduled_report_time":"1640998800","source_registration_time":"1640995200","version":"0.1"}`
	if want != got {
		t.Errorf("want shared info %s, got %s", want, got)
	}
}

func newEncryptionKey(ctx context.Context, t *testing.T) (reporttypes.AggregateEncryptionKey, map[string]*standardencrypt.PrivateKey) {
	t.Helper()
	privKeys, pubInfo, err := cryptoio.GenerateHybridKeyPairs(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}
	key := reporttypes.AggregateEncryptionKey{KeyID: pubInfo[0].ID, PublicKey: pubInfo[0].Key, Expiry: eventTime.Add(24 * time.Hour)}
	return key, privKeys
}

func TestReportBodyEncryption(t *testing.T) {
	ctx := context.Background()
	key, privKeys := newEncryptionKey(ctx, t)
	report := newReport()

	body, err := NewReportBody(report, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := body.Validate(); err != nil {
		t.Fatal(err)
	}
	if body.IsDebugReport() || body.SourceDebugKey != nil || body.TriggerDebugKey != nil {
		t.Errorf("want a report without debug fields, got %+v", body)
	}
	if want, got := key.KeyID, body.AggregationServicePayloads[0].KeyID; want != got {
		t.Errorf("want key ID %q, got %q", want, got)
	}

	got, err := DecryptReportBody(body, privKeys)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(report.Contributions, got); diff != "" {
		t.Errorf("decrypted contributions mismatch (-want +got):\n%s", diff)
	}

	// The ciphertext is bound to the shared info.
	body.SharedInfo = `{"api":"attribution-reporting"}`
	encrypted, err := body.ExtractPayloads(false)
	if err != nil {
		t.Fatal(err)
	}
	if _, isEncrypted, err := cryptoio.DecryptOrUnmarshal(encrypted[0], privKeys[key.KeyID]); err == nil && isEncrypted {
		t.Error("expect decryption to fail with a modified shared info")
	}
}

func TestReportBodyDebug(t *testing.T) {
	ctx := context.Background()
	key, _ := newEncryptionKey(ctx, t)
	sourceKey, triggerKey := unsignedlong.FromInt64(11), unsignedlong.FromInt64(22)
	report := newReport()
	report.DebugReporting = true
	report.SourceDebugKey, report.TriggerDebugKey = &sourceKey, &triggerKey

	body, err := NewReportBody(report, key)
	if err != nil {
		t.Fatal(err)
	}
	if !body.IsDebugReport() {
		t.Fatal("expect a debug report")
	}
	if *body.SourceDebugKey != sourceKey || *body.TriggerDebugKey != triggerKey {
		t.Errorf("want debug keys %v %v, got %v %v", sourceKey, triggerKey, *body.SourceDebugKey, *body.TriggerDebugKey)
	}
	cleartext, err := base64.StdEncoding.DecodeString(body.AggregationServicePayloads[0].DebugCleartextPayload)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePayload(cleartext)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(report.Contributions, got); diff != "" {
		t.Errorf("cleartext contributions mismatch (-want +got):\n%s", diff)
	}

	report.TriggerDebugKey = nil
	body, err = NewReportBody(report, key)
	if err != nil {
		t.Fatal(err)
	}
	if body.IsDebugReport() || body.SourceDebugKey != nil {
		t.Error("expect no debug fields when a debug key is missing")
	}
}

func TestReportBodyUsesFreshCiphertext(t *testing.T) {
	ctx := context.Background()
	key, privKeys := newEncryptionKey(ctx, t)
	report := newReport()

	first, err := NewReportBody(report, key)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewReportBody(report, key)
	if err != nil {
		t.Fatal(err)
	}
	if first.SharedInfo != second.SharedInfo {
		t.Errorf("want identical shared info, got %s and %s", first.SharedInfo, second.SharedInfo)
	}
	if first.AggregationServicePayloads[0].Payload == second.AggregationServicePayloads[0].Payload {
		t.Error("expect a fresh ciphertext for each body")
	}
	for _, body := range []*reporttypes.AggregatableReport{first, second} {
		got, err := DecryptReportBody(body, privKeys)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(report.Contributions, got); diff != "" {
			t.Errorf("decrypted contributions mismatch (-want +got):\n%s", diff)
		}
	}
}
