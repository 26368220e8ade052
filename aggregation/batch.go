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
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/privacy-sandbox-measurement/encryption/cryptoio"
	"github.com/google/privacy-sandbox-measurement/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"lukechampine.com/uint128"
)

// BucketSum is the total value contributed to one bucket.
type BucketSum struct {
	Bucket uint128.Uint128
	Sum    uint64
}

// SumBatch decrypts the payloads of a collected batch, one JSON-encoded EncryptedPayload per line,
// and sums the contributions per bucket. The result is sorted by bucket.
func SumBatch(lines []string, keys map[string]*standardencrypt.PrivateKey) ([]BucketSum, error) {
	sums := make(map[uint128.Uint128]uint64)
	for i, line := range lines {
		if line == "" {
			continue
		}
		encrypted := &reporttypes.EncryptedPayload{}
		if err := json.Unmarshal([]byte(line), encrypted); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		key, ok := keys[encrypted.KeyID]
		if !ok {
			return nil, fmt.Errorf("line %d: missing private key %q", i, encrypted.KeyID)
		}
		payload, _, err := cryptoio.DecryptOrUnmarshal(encrypted, key)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		contributions, err := payloadContributions(payload)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		for _, c := range contributions {
			sums[c.Key] += uint64(c.Value)
		}
	}

	out := make([]BucketSum, 0, len(sums))
	for bucket, sum := range sums {
		out = append(out, BucketSum{Bucket: bucket, Sum: sum})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Cmp(out[j].Bucket) < 0 })
	return out, nil
}
