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
	"encoding/json"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
)

// TriggerContext is the part of a trigger registration that does not come from the header.
type TriggerContext struct {
	ID                     string
	AttributionDestination string
	EnrollmentID           string
	AdTechDomain           string
	Registrant             string
	TriggerTime            time.Time
	AllowDebugKey          bool
}

type triggerHeader struct {
	EventTriggerData        json.RawMessage `json:"event_trigger_data"`
	AggregatableTriggerData json.RawMessage `json:"aggregatable_trigger_data"`
	AggregatableValues      json.RawMessage `json:"aggregatable_values"`
	AggregatableDedupKeys   json.RawMessage `json:"aggregatable_deduplication_keys"`
	Filters                 json.RawMessage `json:"filters"`
	NotFilters              json.RawMessage `json:"not_filters"`
	DebugKey                json.RawMessage `json:"debug_key"`
	DebugReporting          json.RawMessage `json:"debug_reporting"`
}

type eventTriggerEntry struct {
	TriggerData json.RawMessage `json:"trigger_data"`
	Priority    json.RawMessage `json:"priority"`
	DedupKey    json.RawMessage `json:"deduplication_key"`
	Filters     json.RawMessage `json:"filters"`
	NotFilters  json.RawMessage `json:"not_filters"`
}

type aggregatableTriggerEntry struct {
	KeyPiece   json.RawMessage `json:"key_piece"`
	SourceKeys *[]string       `json:"source_keys"`
	Filters    json.RawMessage `json:"filters"`
	NotFilters json.RawMessage `json:"not_filters"`
}

type dedupKeyEntry struct {
	DedupKey   json.RawMessage `json:"deduplication_key"`
	Filters    json.RawMessage `json:"filters"`
	NotFilters json.RawMessage `json:"not_filters"`
}

// ParseTriggerRegistration validates the value of the Attribution-Reporting-Register-Trigger
// header and builds a pending trigger from it. Schema violations are returned as *ValidationError.
//
// Within event trigger data, an unparsable trigger data, priority or deduplication key is treated
// as unset rather than rejecting the registration.
func ParseTriggerRegistration(header []byte, rc TriggerContext) (*reporttypes.Trigger, error) {
	var h triggerHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, invalid("", "malformed trigger header: %v", err)
	}

	trigger := &reporttypes.Trigger{
		ID:                     rc.ID,
		AttributionDestination: rc.AttributionDestination,
		EnrollmentID:           rc.EnrollmentID,
		AdTechDomain:           rc.AdTechDomain,
		Registrant:             rc.Registrant,
		TriggerTime:            rc.TriggerTime,
		Status:                 reporttypes.TriggerStatusPending,
	}

	var err error
	if present(h.EventTriggerData) {
		if trigger.EventTriggers, err = parseEventTriggerData(h.EventTriggerData); err != nil {
			return nil, err
		}
	}
	if present(h.AggregatableTriggerData) {
		if trigger.AggregatableTriggerData, err = parseAggregatableTriggerData(h.AggregatableTriggerData); err != nil {
			return nil, err
		}
	}
	if present(h.AggregatableValues) {
		if trigger.AggregatableValues, err = parseAggregatableValues(h.AggregatableValues); err != nil {
			return nil, err
		}
	}
	if present(h.AggregatableDedupKeys) {
		if trigger.AggregatableDedupKeys, err = parseAggregateDedupKeys(h.AggregatableDedupKeys); err != nil {
			return nil, err
		}
	}
	if trigger.Filters, err = parseFilterSet("filters", h.Filters); err != nil {
		return nil, err
	}
	if trigger.NotFilters, err = parseFilterSet("not_filters", h.NotFilters); err != nil {
		return nil, err
	}

	if rc.AllowDebugKey && present(h.DebugKey) {
		if key, err := parseUnsignedLong(h.DebugKey); err != nil {
			log.Warningf("ignoring trigger debug key: %v", err)
		} else {
			trigger.DebugKey = &key
		}
	}
	if present(h.DebugReporting) {
		if err := json.Unmarshal(h.DebugReporting, &trigger.DebugReporting); err != nil {
			log.Warningf("ignoring debug_reporting %s", h.DebugReporting)
		}
	}
	return trigger, nil
}

func parseEventTriggerData(raw json.RawMessage) ([]reporttypes.EventTriggerDatum, error) {
	const field = "event_trigger_data"
	var entries []eventTriggerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalid(field, "expect a list of objects")
	}
	if len(entries) > params.MaxEventTriggerData {
		return nil, invalid(field, "%d entries exceed the limit of %d", len(entries), params.MaxEventTriggerData)
	}
	var out []reporttypes.EventTriggerDatum
	for i, e := range entries {
		datum := reporttypes.EventTriggerDatum{}
		if present(e.TriggerData) {
			if v, err := parseUnsignedLong(e.TriggerData); err == nil {
				datum.TriggerData = v
			} else {
				log.V(2).Infof("%s[%d]: treating trigger_data as unset: %v", field, i, err)
			}
		}
		if present(e.Priority) {
			if v, err := parseInt64(e.Priority); err == nil {
				datum.Priority = v
			} else {
				log.V(2).Infof("%s[%d]: treating priority as unset: %v", field, i, err)
			}
		}
		if present(e.DedupKey) {
			if v, err := parseUnsignedLong(e.DedupKey); err == nil {
				datum.DedupKey = &v
			} else {
				log.V(2).Infof("%s[%d]: treating deduplication_key as unset: %v", field, i, err)
			}
		}
		var err error
		if datum.Filters, err = parseFilterSet(fmt.Sprintf("%s[%d].filters", field, i), e.Filters); err != nil {
			return nil, err
		}
		if datum.NotFilters, err = parseFilterSet(fmt.Sprintf("%s[%d].not_filters", field, i), e.NotFilters); err != nil {
			return nil, err
		}
		out = append(out, datum)
	}
	return out, nil
}

func parseAggregatableTriggerData(raw json.RawMessage) ([]reporttypes.AggregatableTriggerDatum, error) {
	const field = "aggregatable_trigger_data"
	var entries []aggregatableTriggerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalid(field, "expect a list of objects")
	}
	if len(entries) > params.MaxAggregatableTriggerData {
		return nil, invalid(field, "%d entries exceed the limit of %d", len(entries), params.MaxAggregatableTriggerData)
	}
	var out []reporttypes.AggregatableTriggerDatum
	for i, e := range entries {
		entryField := fmt.Sprintf("%s[%d]", field, i)
		if !present(e.KeyPiece) {
			return nil, invalid(entryField, "key_piece is required")
		}
		piece, err := parseKeyPiece(entryField, e.KeyPiece)
		if err != nil {
			return nil, err
		}
		if e.SourceKeys == nil {
			return nil, invalid(entryField, "source_keys is required")
		}
		if len(*e.SourceKeys) > params.MaxAggregateKeysPerRegistration {
			return nil, invalid(entryField, "%d source keys exceed the limit of %d", len(*e.SourceKeys), params.MaxAggregateKeysPerRegistration)
		}
		for _, id := range *e.SourceKeys {
			if err := checkAggregateKeyID(entryField, id); err != nil {
				return nil, err
			}
		}
		datum := reporttypes.AggregatableTriggerDatum{
			KeyPiece:   piece,
			SourceKeys: append([]string(nil), *e.SourceKeys...),
		}
		if datum.Filters, err = parseFilterSet(entryField+".filters", e.Filters); err != nil {
			return nil, err
		}
		if datum.NotFilters, err = parseFilterSet(entryField+".not_filters", e.NotFilters); err != nil {
			return nil, err
		}
		out = append(out, datum)
	}
	return out, nil
}

func parseAggregatableValues(raw json.RawMessage) (map[string]uint32, error) {
	const field = "aggregatable_values"
	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, invalid(field, "expect an object of numbers")
	}
	if len(values) > params.MaxAggregateKeysPerRegistration {
		return nil, invalid(field, "%d values exceed the limit of %d", len(values), params.MaxAggregateKeysPerRegistration)
	}
	out := make(map[string]uint32, len(values))
	for id, v := range values {
		if err := checkAggregateKeyID(field, id); err != nil {
			return nil, err
		}
		var n int64
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, invalid(field, "value of %q must be an integer", id)
		}
		if n < 1 || n > params.MaxAggregatableValue {
			return nil, invalid(field, "value %d of %q is out of [1, %d]", n, id, params.MaxAggregatableValue)
		}
		out[id] = uint32(n)
	}
	return out, nil
}

func parseAggregateDedupKeys(raw json.RawMessage) ([]reporttypes.AggregateDedupKey, error) {
	const field = "aggregatable_deduplication_keys"
	var entries []dedupKeyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalid(field, "expect a list of objects")
	}
	if len(entries) > params.MaxAggregateKeysPerRegistration {
		return nil, invalid(field, "%d entries exceed the limit of %d", len(entries), params.MaxAggregateKeysPerRegistration)
	}
	var out []reporttypes.AggregateDedupKey
	for i, e := range entries {
		entryField := fmt.Sprintf("%s[%d]", field, i)
		entry := reporttypes.AggregateDedupKey{}
		if present(e.DedupKey) {
			key, err := parseUnsignedLong(e.DedupKey)
			if err != nil {
				return nil, invalid(entryField, "%v", err)
			}
			entry.DedupKey = &key
		}
		var err error
		if entry.Filters, err = parseFilterSet(entryField+".filters", e.Filters); err != nil {
			return nil, err
		}
		if entry.NotFilters, err = parseFilterSet(entryField+".not_filters", e.NotFilters); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
