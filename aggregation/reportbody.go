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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/privacy-sandbox-measurement/encryption/cryptoio"
	"github.com/google/privacy-sandbox-measurement/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
)

// ErrNoEncryptionKey is returned when an aggregatable report cannot be sent because no unexpired
// key of the aggregation service is available.
var ErrNoEncryptionKey = errors.New("no unexpired aggregation service encryption key")

func unixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// SharedInfo returns the serialized shared info of the report. The same string is sent in the
// report body and bound to the ciphertext.
func SharedInfo(report *reporttypes.AggregateReport) (string, error) {
	b, err := json.Marshal(&reporttypes.SharedInfo{
		API:                    reporttypes.AttributionReportingAPI,
		AttributionDestination: report.AttributionDestination,
		ReportID:               report.ID,
		ReportingOrigin:        report.AdTechDomain,
		ScheduledReportTime:    unixSeconds(report.ScheduledReportTime),
		SourceRegistrationTime: unixSeconds(report.SourceRegistrationTime),
		Version:                report.APIVersion,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodePayload serializes the contributions into the CBOR payload.
func EncodePayload(contributions []reporttypes.AggregateHistogramContribution) ([]byte, error) {
	payload := reporttypes.Payload{Operation: reporttypes.HistogramOperation, Data: make([]reporttypes.Contribution, 0, len(contributions))}
	for _, c := range contributions {
		payload.Data = append(payload.Data, reporttypes.Contribution{
			Bucket: utils.Uint128ToBigEndianBytes(c.Key),
			Value:  utils.Uint32ToBigEndianBytes(c.Value),
		})
	}
	return utils.MarshalCBOR(payload)
}

// DecodePayload returns the contributions in a cleartext CBOR payload.
func DecodePayload(b []byte) ([]reporttypes.AggregateHistogramContribution, error) {
	payload := &reporttypes.Payload{}
	if err := utils.UnmarshalCBOR(b, payload); err != nil {
		return nil, err
	}
	return payloadContributions(payload)
}

func payloadContributions(payload *reporttypes.Payload) ([]reporttypes.AggregateHistogramContribution, error) {
	if payload.Operation != reporttypes.HistogramOperation {
		return nil, fmt.Errorf("unsupported payload operation %q", payload.Operation)
	}
	var out []reporttypes.AggregateHistogramContribution
	for _, d := range payload.Data {
		key, err := utils.BigEndianBytesToUint128(d.Bucket)
		if err != nil {
			return nil, err
		}
		value, err := utils.BigEndianBytesToUint32(d.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, reporttypes.AggregateHistogramContribution{Key: key, Value: value})
	}
	return out, nil
}

// NewReportBody serializes the report and encrypts its payload with the given key. Debug keys and
// the cleartext payload are only attached when debug reporting is enabled and both keys are set.
func NewReportBody(report *reporttypes.AggregateReport, key reporttypes.AggregateEncryptionKey) (*reporttypes.AggregatableReport, error) {
	sharedInfo, err := SharedInfo(report)
	if err != nil {
		return nil, err
	}
	cleartext, err := EncodePayload(report.Contributions)
	if err != nil {
		return nil, err
	}
	publicKey, err := base64.StdEncoding.DecodeString(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key %q: %w", key.KeyID, err)
	}
	ciphertext, err := standardencrypt.Encrypt(cleartext, cryptoio.EncryptionContext(sharedInfo), &standardencrypt.PublicKey{Key: publicKey})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt report %q with key %q: %w", report.ID, key.KeyID, err)
	}

	payload := reporttypes.AggregationServicePayload{
		Payload: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:   key.KeyID,
	}
	body := &reporttypes.AggregatableReport{SharedInfo: sharedInfo}
	if report.DebugReporting && report.SourceDebugKey != nil && report.TriggerDebugKey != nil {
		payload.DebugCleartextPayload = base64.StdEncoding.EncodeToString(cleartext)
		body.SourceDebugKey, body.TriggerDebugKey = report.SourceDebugKey, report.TriggerDebugKey
	}
	body.AggregationServicePayloads = []reporttypes.AggregationServicePayload{payload}
	return body, nil
}

// DecryptReportBody decrypts the payloads of a received report with the matching private keys.
// Payloads that are not encrypted are decoded directly.
func DecryptReportBody(body *reporttypes.AggregatableReport, keys map[string]*standardencrypt.PrivateKey) ([]reporttypes.AggregateHistogramContribution, error) {
	payloads, err := body.ExtractPayloads(false)
	if err != nil {
		return nil, err
	}
	var out []reporttypes.AggregateHistogramContribution
	for _, p := range payloads {
		key, ok := keys[p.KeyID]
		if !ok {
			return nil, fmt.Errorf("missing private key %q", p.KeyID)
		}
		payload, _, err := cryptoio.DecryptOrUnmarshal(p, key)
		if err != nil {
			return nil, err
		}
		contributions, err := payloadContributions(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, contributions...)
	}
	return out, nil
}
