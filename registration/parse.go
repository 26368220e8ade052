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
	"strconv"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
	"lukechampine.com/uint128"
)

// ValidationError reports a registration header that does not satisfy the registration schema.
// The registration is dropped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid registration: " + e.Reason
	}
	return fmt.Sprintf("invalid registration field %q: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// present reports whether a field was set to a non-null value.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// scalar returns the text of a JSON string or number.
func scalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func parseUnsignedLong(raw json.RawMessage) (unsignedlong.UnsignedLong, error) {
	s, ok := scalar(raw)
	if !ok {
		return 0, fmt.Errorf("%s is not a string or number", raw)
	}
	return unsignedlong.Parse(s)
}

func parseInt64(raw json.RawMessage) (int64, error) {
	s, ok := scalar(raw)
	if !ok {
		return 0, fmt.Errorf("%s is not a string or number", raw)
	}
	return strconv.ParseInt(s, 10, 64)
}

func checkFilterKey(field, key string) error {
	if len(key) > params.MaxBytesPerAttributionFilterValue {
		return invalid(field, "filter key %q is longer than %d bytes", key, params.MaxBytesPerAttributionFilterValue)
	}
	return nil
}

// parseFilterMap decodes and bounds one filter object.
func parseFilterMap(field string, raw json.RawMessage) (reporttypes.FilterMap, error) {
	var m map[string][]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid(field, "expect an object of string lists: %v", err)
	}
	if len(m) > params.MaxAttributionFilters {
		return nil, invalid(field, "%d filter keys exceed the limit of %d", len(m), params.MaxAttributionFilters)
	}
	out := make(reporttypes.FilterMap, len(m))
	for key, values := range m {
		if err := checkFilterKey(field, key); err != nil {
			return nil, err
		}
		if len(values) > params.MaxValuesPerAttributionFilter {
			return nil, invalid(field, "%d values of %q exceed the limit of %d", len(values), key, params.MaxValuesPerAttributionFilter)
		}
		for _, v := range values {
			if len(v) > params.MaxBytesPerAttributionFilterValue {
				return nil, invalid(field, "value %q of %q is longer than %d bytes", v, key, params.MaxBytesPerAttributionFilterValue)
			}
		}
		if values == nil {
			values = []string{}
		}
		out[key] = values
	}
	return out, nil
}

// parseFilterSet accepts a single filter object or a list of them.
func parseFilterSet(field string, raw json.RawMessage) (reporttypes.FilterSet, error) {
	if !present(raw) {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		m, err := parseFilterMap(field, raw)
		if err != nil {
			return nil, err
		}
		return reporttypes.FilterSet{m}, nil
	}
	var set reporttypes.FilterSet
	for _, item := range list {
		m, err := parseFilterMap(field, item)
		if err != nil {
			return nil, err
		}
		set = append(set, m)
	}
	return set, nil
}

func checkAggregateKeyID(field, id string) error {
	if id == "" {
		return invalid(field, "empty aggregation key ID")
	}
	if len(id) > params.MaxBytesPerAggregateKeyID {
		return invalid(field, "aggregation key ID %q is longer than %d bytes", id, params.MaxBytesPerAggregateKeyID)
	}
	return nil
}

func parseKeyPiece(field string, raw json.RawMessage) (uint128.Uint128, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return uint128.Uint128{}, invalid(field, "key piece must be a string")
	}
	piece, err := utils.HexToUint128(s)
	if err != nil {
		return uint128.Uint128{}, invalid(field, "%v", err)
	}
	return piece, nil
}
