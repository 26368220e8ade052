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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
)

// Wire values of the aggregatable payload.
const (
	AttributionReportingAPI = "attribution-reporting"
	HistogramOperation      = "histogram"
)

// Contribution is one histogram contribution in the CBOR payload, with a 16-byte big-endian bucket
// and a 4-byte big-endian value.
type Contribution struct {
	Bucket []byte `codec:"bucket"`
	Value  []byte `codec:"value"`
}

// Payload is the cleartext that is CBOR-encoded and encrypted for the aggregation service.
type Payload struct {
	Operation string         `codec:"operation"`
	Data      []Contribution `codec:"data"`
}

// SharedInfo is the report metadata bound to the encrypted payload. The field order is the
// serialization order.
type SharedInfo struct {
	API                    string `json:"api"`
	AttributionDestination string `json:"attribution_destination"`
	ReportID               string `json:"report_id"`
	ReportingOrigin        string `json:"reporting_origin"`
	ScheduledReportTime    string `json:"scheduled_report_time"`
	SourceRegistrationTime string `json:"source_registration_time"`
	Version                string `json:"version"`
}

// AggregationServicePayload is one encrypted payload of an aggregatable report.
type AggregationServicePayload struct {
	// Payload is the base64 encoded ciphertext.
	Payload string `json:"payload"`
	KeyID   string `json:"key_id"`
	// DebugCleartextPayload is the base64 encoded CBOR payload, only present for debug reports.
	DebugCleartextPayload string `json:"debug_cleartext_payload,omitempty"`
}

// AggregatableReport is the JSON body sent to the reporting origin.
type AggregatableReport struct {
	SharedInfo                 string                      `json:"shared_info"`
	AggregationServicePayloads []AggregationServicePayload `json:"aggregation_service_payloads"`
	SourceDebugKey             *unsignedlong.UnsignedLong  `json:"source_debug_key,omitempty"`
	TriggerDebugKey            *unsignedlong.UnsignedLong  `json:"trigger_debug_key,omitempty"`
}

// Validate checks the report has the fields needed by the aggregation service.
func (r *AggregatableReport) Validate() error {
	if r.SharedInfo == "" {
		return errors.New("aggregatable report has empty shared_info")
	}
	if len(r.AggregationServicePayloads) == 0 {
		return errors.New("aggregatable report has no aggregation_service_payloads")
	}
	for i, p := range r.AggregationServicePayloads {
		if p.Payload == "" || p.KeyID == "" {
			return fmt.Errorf("aggregation_service_payloads[%d] must have payload and key_id", i)
		}
	}
	return nil
}

// ParseSharedInfo decodes the shared_info string.
func (r *AggregatableReport) ParseSharedInfo() (*SharedInfo, error) {
	info := &SharedInfo{}
	if err := json.Unmarshal([]byte(r.SharedInfo), info); err != nil {
		return nil, fmt.Errorf("invalid shared_info: %w", err)
	}
	return info, nil
}

// IsDebugReport reports whether the cleartext payloads are attached.
func (r *AggregatableReport) IsDebugReport() bool {
	for _, p := range r.AggregationServicePayloads {
		if p.DebugCleartextPayload == "" {
			return false
		}
	}
	return len(r.AggregationServicePayloads) > 0
}

// EncryptedPayload is a decoded ciphertext together with the shared info it is bound to.
type EncryptedPayload struct {
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"payload"`
	SharedInfo string `json:"shared_info"`
}

// ExtractPayloads decodes the payloads of the report. When useCleartext is set, the debug
// cleartext payloads are returned in place of the ciphertexts.
func (r *AggregatableReport) ExtractPayloads(useCleartext bool) ([]*EncryptedPayload, error) {
	var out []*EncryptedPayload
	for _, p := range r.AggregationServicePayloads {
		encoded := p.Payload
		if useCleartext {
			if p.DebugCleartextPayload == "" {
				return nil, errors.New("expect debug_cleartext_payload for a cleartext extraction")
			}
			encoded = p.DebugCleartextPayload
		}
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, &EncryptedPayload{KeyID: p.KeyID, Ciphertext: b, SharedInfo: r.SharedInfo})
	}
	return out, nil
}

// EventReportPayload is the JSON body of an event-level report.
type EventReportPayload struct {
	AttributionDestination string                     `json:"attribution_destination"`
	ScheduledReportTime    string                     `json:"scheduled_report_time"`
	SourceEventID          unsignedlong.UnsignedLong  `json:"source_event_id"`
	TriggerData            unsignedlong.UnsignedLong  `json:"trigger_data"`
	ReportID               string                     `json:"report_id"`
	SourceType             SourceType                 `json:"source_type"`
	RandomizedTriggerRate  float64                    `json:"randomized_trigger_rate"`
	SourceDebugKey         *unsignedlong.UnsignedLong `json:"source_debug_key,omitempty"`
	TriggerDebugKey        *unsignedlong.UnsignedLong `json:"trigger_debug_key,omitempty"`
}

// Validate checks the report has the fields needed by the reporting origin.
func (p *EventReportPayload) Validate() error {
	if p.ReportID == "" || p.AttributionDestination == "" {
		return errors.New("event report must have report_id and attribution_destination")
	}
	if _, err := ParseSourceType(string(p.SourceType)); err != nil {
		return err
	}
	return nil
}
