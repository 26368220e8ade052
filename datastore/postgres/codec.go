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

package postgres

import (
	"encoding/json"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
	"lukechampine.com/uint128"
)

// unmarshalJSON decodes a JSONB column, leaving v unset for SQL NULL.
func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func encodeAggregateSource(keys map[string]uint128.Uint128) ([]byte, error) {
	if keys == nil {
		return nil, nil
	}
	hex := make(map[string]string, len(keys))
	for name, piece := range keys {
		hex[name] = utils.Uint128ToHex(piece)
	}
	return json.Marshal(hex)
}

func decodeAggregateSource(b []byte) (map[string]uint128.Uint128, error) {
	var hex map[string]string
	if err := unmarshalJSON(b, &hex); err != nil || hex == nil {
		return nil, err
	}
	keys := make(map[string]uint128.Uint128, len(hex))
	for name, h := range hex {
		piece, err := utils.HexToUint128(h)
		if err != nil {
			return nil, err
		}
		keys[name] = piece
	}
	return keys, nil
}

type aggregatableTriggerDatumRecord struct {
	KeyPiece   string                `json:"key_piece"`
	SourceKeys []string              `json:"source_keys"`
	Filters    reporttypes.FilterSet `json:"filters"`
	NotFilters reporttypes.FilterSet `json:"not_filters"`
}

// encodedTrigger holds the JSONB columns of a trigger.
type encodedTrigger struct {
	eventTriggers           []byte
	aggregatableTriggerData []byte
	aggregatableValues      []byte
	aggregatableDedupKeys   []byte
	filters                 []byte
	notFilters              []byte
}

func encodeTrigger(t *reporttypes.Trigger) (*encodedTrigger, error) {
	var data []aggregatableTriggerDatumRecord
	for _, d := range t.AggregatableTriggerData {
		data = append(data, aggregatableTriggerDatumRecord{
			KeyPiece:   utils.Uint128ToHex(d.KeyPiece),
			SourceKeys: d.SourceKeys,
			Filters:    d.Filters,
			NotFilters: d.NotFilters,
		})
	}
	e := &encodedTrigger{}
	var err error
	for _, field := range []struct {
		dst *[]byte
		v   any
	}{
		{&e.eventTriggers, t.EventTriggers},
		{&e.aggregatableTriggerData, data},
		{&e.aggregatableValues, t.AggregatableValues},
		{&e.aggregatableDedupKeys, t.AggregatableDedupKeys},
		{&e.filters, t.Filters},
		{&e.notFilters, t.NotFilters},
	} {
		if *field.dst, err = json.Marshal(field.v); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func decodeTrigger(e *encodedTrigger, t *reporttypes.Trigger) error {
	var data []aggregatableTriggerDatumRecord
	for _, field := range []struct {
		src []byte
		v   any
	}{
		{e.eventTriggers, &t.EventTriggers},
		{e.aggregatableTriggerData, &data},
		{e.aggregatableValues, &t.AggregatableValues},
		{e.aggregatableDedupKeys, &t.AggregatableDedupKeys},
		{e.filters, &t.Filters},
		{e.notFilters, &t.NotFilters},
	} {
		if err := unmarshalJSON(field.src, field.v); err != nil {
			return err
		}
	}
	for _, d := range data {
		piece, err := utils.HexToUint128(d.KeyPiece)
		if err != nil {
			return err
		}
		t.AggregatableTriggerData = append(t.AggregatableTriggerData, reporttypes.AggregatableTriggerDatum{
			KeyPiece:   piece,
			SourceKeys: d.SourceKeys,
			Filters:    d.Filters,
			NotFilters: d.NotFilters,
		})
	}
	return nil
}
