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
	"fmt"
	"time"

	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"lukechampine.com/uint128"
)

// Source is an ad click or view registration that later triggers can attribute to.
type Source struct {
	ID                       string
	EventID                  unsignedlong.UnsignedLong
	Publisher                string
	Registrant               string
	AttributionDestination   string
	EnrollmentID             string
	AdTechDomain             string
	EventTime                time.Time
	ExpiryTime               time.Time
	Priority                 int64
	SourceType               SourceType
	InstallAttributionWindow time.Duration
	InstallCooldownWindow    time.Duration
	InstallAttributed        bool
	AttributionMode          AttributionMode
	// AggregateSource maps an aggregation key name to its 128-bit key piece.
	AggregateSource map[string]uint128.Uint128
	FilterData      FilterMap
	Status          SourceStatus
	DebugKey        *unsignedlong.UnsignedLong

	EventReportDedupKeys     []unsignedlong.UnsignedLong
	AggregateReportDedupKeys []unsignedlong.UnsignedLong
	// AggregateContributions is the part of the L1 contribution budget already consumed.
	AggregateContributions int
}

// Validate checks the invariants a stored source must satisfy.
func (s *Source) Validate() error {
	if s.ID == "" {
		return errors.New("source ID must not be empty")
	}
	if s.AttributionDestination == "" {
		return errors.New("source attribution destination must not be empty")
	}
	if s.EnrollmentID == "" {
		return errors.New("source enrollment ID must not be empty")
	}
	if !s.ExpiryTime.After(s.EventTime) {
		return fmt.Errorf("source expiry %s must be after event time %s", s.ExpiryTime, s.EventTime)
	}
	if _, err := ParseSourceType(string(s.SourceType)); err != nil {
		return err
	}
	if s.AggregateContributions < 0 {
		return fmt.Errorf("negative aggregate contributions %d", s.AggregateContributions)
	}
	return nil
}

// EffectiveFilterData returns the registered filter data with the reserved source type key added.
func (s *Source) EffectiveFilterData() FilterMap {
	data := s.FilterData.Clone()
	if data == nil {
		data = make(FilterMap)
	}
	data[SourceTypeFilterKey] = []string{string(s.SourceType)}
	return data
}

// HasEventReportDedupKey checks whether the key was already used for an event-level report.
func (s *Source) HasEventReportDedupKey(key unsignedlong.UnsignedLong) bool {
	return containsKey(s.EventReportDedupKeys, key)
}

// HasAggregateReportDedupKey checks whether the key was already used for an aggregatable report.
func (s *Source) HasAggregateReportDedupKey(key unsignedlong.UnsignedLong) bool {
	return containsKey(s.AggregateReportDedupKeys, key)
}

// RemoveEventReportDedupKey releases a key, which happens when the report it guarded is replaced.
func (s *Source) RemoveEventReportDedupKey(key unsignedlong.UnsignedLong) {
	keys := s.EventReportDedupKeys[:0]
	for _, k := range s.EventReportDedupKeys {
		if k != key {
			keys = append(keys, k)
		}
	}
	s.EventReportDedupKeys = keys
}

func containsKey(keys []unsignedlong.UnsignedLong, key unsignedlong.UnsignedLong) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the source.
func (s *Source) Clone() *Source {
	out := *s
	if s.AggregateSource != nil {
		out.AggregateSource = make(map[string]uint128.Uint128, len(s.AggregateSource))
		for k, v := range s.AggregateSource {
			out.AggregateSource[k] = v
		}
	}
	out.FilterData = s.FilterData.Clone()
	if s.DebugKey != nil {
		k := *s.DebugKey
		out.DebugKey = &k
	}
	out.EventReportDedupKeys = append([]unsignedlong.UnsignedLong(nil), s.EventReportDedupKeys...)
	out.AggregateReportDedupKeys = append([]unsignedlong.UnsignedLong(nil), s.AggregateReportDedupKeys...)
	return &out
}
