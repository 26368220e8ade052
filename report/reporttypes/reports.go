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
	"time"

	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

// EventReport is one scheduled event-level report. Fake reports created for noise are stored the
// same way as real ones.
type EventReport struct {
	ID                     string
	SourceID               string
	SourceEventID          unsignedlong.UnsignedLong
	ReportTime             time.Time
	TriggerTime            time.Time
	TriggerPriority        int64
	TriggerData            unsignedlong.UnsignedLong
	AttributionDestination string
	AdTechDomain           string
	EnrollmentID           string
	TriggerDedupKey        *unsignedlong.UnsignedLong
	RandomizedTriggerRate  float64
	Status                 ReportStatus
	SourceType             SourceType
	SourceDebugKey         *unsignedlong.UnsignedLong
	TriggerDebugKey        *unsignedlong.UnsignedLong
	DebugReporting         bool
}

// AggregateHistogramContribution is one bucket/value pair of an aggregatable report.
type AggregateHistogramContribution struct {
	Key   uint128.Uint128
	Value uint32
}

type contributionJSON struct {
	Bucket string `json:"bucket"`
	Value  uint32 `json:"value"`
}

// MarshalJSON encodes the bucket as a decimal string.
func (c AggregateHistogramContribution) MarshalJSON() ([]byte, error) {
	return json.Marshal(contributionJSON{Bucket: c.Key.String(), Value: c.Value})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (c *AggregateHistogramContribution) UnmarshalJSON(b []byte) error {
	var v contributionJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	key, err := uint128.FromString(v.Bucket)
	if err != nil {
		return err
	}
	c.Key, c.Value = key, v.Value
	return nil
}

// AggregateReport is one aggregatable report. The contributions are kept in cleartext until the
// report is sent, when they are encrypted with an unexpired key.
type AggregateReport struct {
	ID                     string
	Publisher              string
	AttributionDestination string
	SourceRegistrationTime time.Time
	ScheduledReportTime    time.Time
	EnrollmentID           string
	AdTechDomain           string
	Contributions          []AggregateHistogramContribution
	Status                 ReportStatus
	APIVersion             string
	SourceDebugKey         *unsignedlong.UnsignedLong
	TriggerDebugKey        *unsignedlong.UnsignedLong
	DebugReporting         bool
	SourceID               string
	TriggerID              string
}

// AggregateEncryptionKey is a public key fetched from the aggregation service coordinator.
type AggregateEncryptionKey struct {
	KeyID string `json:"id"`
	// PublicKey is the base64 encoded serialized public key.
	PublicKey string    `json:"key"`
	Expiry    time.Time `json:"expiry"`
}

// Expired reports whether the key must no longer be used at the given time.
func (k AggregateEncryptionKey) Expired(now time.Time) bool {
	return !now.Before(k.Expiry)
}

// AttributionRateLimit records one attribution for the per-site rate limit.
type AttributionRateLimit struct {
	ID              string
	SourceSite      string
	DestinationSite string
	EnrollmentID    string
	TriggerTime     time.Time
}
