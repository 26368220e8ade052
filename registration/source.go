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
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"lukechampine.com/uint128"
)

// SourceContext is the part of a source registration that does not come from the header.
type SourceContext struct {
	ID           string
	Publisher    string
	Registrant   string
	EnrollmentID string
	// AdTechDomain is the reporting origin, the site of the registration server.
	AdTechDomain string
	EventTime    time.Time
	SourceType   reporttypes.SourceType
	// AllowDebugKey is set when the user has enabled ad personalization debugging.
	AllowDebugKey bool
}

type sourceHeader struct {
	Destination                  json.RawMessage `json:"destination"`
	SourceEventID                json.RawMessage `json:"source_event_id"`
	Expiry                       json.RawMessage `json:"expiry"`
	Priority                     json.RawMessage `json:"priority"`
	InstallAttributionWindow     json.RawMessage `json:"install_attribution_window"`
	PostInstallExclusivityWindow json.RawMessage `json:"post_install_exclusivity_window"`
	FilterData                   json.RawMessage `json:"filter_data"`
	AggregationKeys              json.RawMessage `json:"aggregation_keys"`
	DebugKey                     json.RawMessage `json:"debug_key"`
}

// clampedSeconds parses a duration in seconds and clamps it to [lo, hi]. An absent value yields def.
func clampedSeconds(field string, raw json.RawMessage, lo, hi, def time.Duration) (time.Duration, error) {
	if !present(raw) {
		return def, nil
	}
	seconds, err := parseInt64(raw)
	if err != nil {
		return 0, invalid(field, "%v", err)
	}
	// Clamp before converting, as the conversion overflows for large values.
	if maxSeconds := int64(hi / time.Second); seconds > maxSeconds {
		seconds = maxSeconds
	}
	if minSeconds := int64(lo / time.Second); seconds < minSeconds {
		seconds = minSeconds
	}
	return time.Duration(seconds) * time.Second, nil
}

// ParseSourceRegistration validates the value of the Attribution-Reporting-Register-Source header
// and builds an active source from it. Schema violations are returned as *ValidationError.
func ParseSourceRegistration(header []byte, rc SourceContext) (*reporttypes.Source, error) {
	var h sourceHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, invalid("", "malformed source header: %v", err)
	}

	source := &reporttypes.Source{
		ID:           rc.ID,
		Publisher:    rc.Publisher,
		Registrant:   rc.Registrant,
		EnrollmentID: rc.EnrollmentID,
		AdTechDomain: rc.AdTechDomain,
		EventTime:    rc.EventTime,
		SourceType:   rc.SourceType,
		Status:       reporttypes.SourceStatusActive,
	}

	if !present(h.Destination) {
		return nil, invalid("destination", "required")
	}
	if err := json.Unmarshal(h.Destination, &source.AttributionDestination); err != nil {
		return nil, invalid("destination", "must be a string")
	}
	if _, err := reporttypes.Site(source.AttributionDestination); err != nil {
		return nil, invalid("destination", "%v", err)
	}

	if !present(h.SourceEventID) {
		return nil, invalid("source_event_id", "required")
	}
	eventID, err := parseUnsignedLong(h.SourceEventID)
	if err != nil {
		return nil, invalid("source_event_id", "%v", err)
	}
	source.EventID = eventID

	expiry, err := clampedSeconds("expiry", h.Expiry, params.MinSourceExpiry, params.MaxSourceExpiry, params.MaxSourceExpiry)
	if err != nil {
		return nil, err
	}
	source.ExpiryTime = rc.EventTime.Add(expiry)

	if present(h.Priority) {
		if source.Priority, err = parseInt64(h.Priority); err != nil {
			return nil, invalid("priority", "%v", err)
		}
	}

	if source.InstallAttributionWindow, err = clampedSeconds("install_attribution_window", h.InstallAttributionWindow,
		params.MinInstallAttributionWindow, params.MaxInstallAttributionWindow, params.MaxInstallAttributionWindow); err != nil {
		return nil, err
	}
	if source.InstallCooldownWindow, err = clampedSeconds("post_install_exclusivity_window", h.PostInstallExclusivityWindow,
		params.MinPostInstallExclusivityWindow, params.MaxPostInstallExclusivityWindow, params.MinPostInstallExclusivityWindow); err != nil {
		return nil, err
	}

	if present(h.FilterData) {
		if source.FilterData, err = parseFilterMap("filter_data", h.FilterData); err != nil {
			return nil, err
		}
		if _, ok := source.FilterData[reporttypes.SourceTypeFilterKey]; ok {
			return nil, invalid("filter_data", "key %q is reserved", reporttypes.SourceTypeFilterKey)
		}
	}

	if present(h.AggregationKeys) {
		if source.AggregateSource, err = parseAggregationKeys(h.AggregationKeys); err != nil {
			return nil, err
		}
	}

	if rc.AllowDebugKey && present(h.DebugKey) {
		if key, err := parseUnsignedLong(h.DebugKey); err != nil {
			log.Warningf("ignoring source debug key: %v", err)
		} else {
			source.DebugKey = &key
		}
	}
	if err := source.Validate(); err != nil {
		return nil, invalid("source", "%v", err)
	}
	return source, nil
}

type legacyAggregationKey struct {
	ID       string          `json:"id"`
	KeyPiece json.RawMessage `json:"key_piece"`
}

// parseAggregationKeys accepts an object from key ID to key piece, or a list of {id, key_piece}.
func parseAggregationKeys(raw json.RawMessage) (map[string]uint128.Uint128, error) {
	const field = "aggregation_keys"
	pieces := make(map[string]json.RawMessage)
	var legacy []legacyAggregationKey
	if err := json.Unmarshal(raw, &legacy); err == nil {
		for _, k := range legacy {
			pieces[k.ID] = k.KeyPiece
		}
	} else if err := json.Unmarshal(raw, &pieces); err != nil {
		return nil, invalid(field, "expect an object or a list of {id, key_piece}")
	}

	if len(pieces) > params.MaxAggregateKeysPerRegistration {
		return nil, invalid(field, "%d keys exceed the limit of %d", len(pieces), params.MaxAggregateKeysPerRegistration)
	}
	out := make(map[string]uint128.Uint128, len(pieces))
	for id, raw := range pieces {
		if err := checkAggregateKeyID(field, id); err != nil {
			return nil, err
		}
		piece, err := parseKeyPiece(field, raw)
		if err != nil {
			return nil, err
		}
		out[id] = piece
	}
	return out, nil
}
