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
	"errors"
	"time"

	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

// EventTriggerDatum is one candidate event-level outcome of a trigger.
type EventTriggerDatum struct {
	TriggerData unsignedlong.UnsignedLong
	Priority    int64
	DedupKey    *unsignedlong.UnsignedLong
	Filters     FilterSet
	NotFilters  FilterSet
}

// AggregatableTriggerDatum is a key piece the trigger contributes to the listed source keys.
type AggregatableTriggerDatum struct {
	KeyPiece   uint128.Uint128
	SourceKeys []string
	Filters    FilterSet
	NotFilters FilterSet
}

// AggregateDedupKey is a deduplication key for the aggregatable part of a trigger, applicable when
// its filters match.
type AggregateDedupKey struct {
	DedupKey   *unsignedlong.UnsignedLong
	Filters    FilterSet
	NotFilters FilterSet
}

// Trigger is a conversion registration. It is processed by attribution exactly once.
type Trigger struct {
	ID                     string
	AttributionDestination string
	EnrollmentID           string
	AdTechDomain           string
	Registrant             string
	TriggerTime            time.Time

	EventTriggers           []EventTriggerDatum
	AggregatableTriggerData []AggregatableTriggerDatum
	// AggregatableValues maps an aggregation key name to the value contributed for it.
	AggregatableValues    map[string]uint32
	AggregatableDedupKeys []AggregateDedupKey

	Filters        FilterSet
	NotFilters     FilterSet
	DebugKey       *unsignedlong.UnsignedLong
	DebugReporting bool
	Status         TriggerStatus
}

// Validate checks the invariants a stored trigger must satisfy.
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return errors.New("trigger ID must not be empty")
	}
	if t.AttributionDestination == "" {
		return errors.New("trigger attribution destination must not be empty")
	}
	if t.EnrollmentID == "" {
		return errors.New("trigger enrollment ID must not be empty")
	}
	if t.TriggerTime.IsZero() {
		return errors.New("trigger time must be set")
	}
	return nil
}

// HasAggregatableData reports whether the trigger can produce an aggregatable report at all.
func (t *Trigger) HasAggregatableData() bool {
	return len(t.AggregatableTriggerData) > 0 && len(t.AggregatableValues) > 0
}
