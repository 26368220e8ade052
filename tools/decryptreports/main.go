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

// This binary decrypts a batch of aggregatable payloads written by the collector server, and
// writes the sum of the contributions for each bucket.
//
// The output lines are formatted as "<bucket>,<sum>" with the bucket in hex.
package main

import (
	"context"
	"flag"
	"fmt"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/aggregation"
	"github.com/google/privacy-sandbox-measurement/encryption/cryptoio"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
)

var (
	batchFile          = flag.String("batch_file", "", "Input batch file written by the collector server.")
	privateKeyInfoFile = flag.String("private_key_info_file", "", "File that includes information about how to get the private keys.")
	outputFile         = flag.String("output_file", "", "Output file for the bucket sums.")
)

func main() {
	flag.Parse()

	ctx := context.Background()
	keys, err := cryptoio.ReadPrivateKeyCollection(ctx, *privateKeyInfoFile)
	if err != nil {
		log.Exit(err)
	}
	lines, err := utils.ReadLines(ctx, *batchFile)
	if err != nil {
		log.Exit(err)
	}
	sums, err := aggregation.SumBatch(lines, keys)
	if err != nil {
		log.Exit(err)
	}

	output := make([]string, 0, len(sums))
	for _, s := range sums {
		output = append(output, fmt.Sprintf("%s,%d", utils.Uint128ToHex(s.Bucket), s.Sum))
	}
	if err := utils.WriteLines(ctx, output, *outputFile); err != nil {
		log.Exit(err)
	}
	log.Infof("aggregated %d payloads into %d buckets", len(lines), len(sums))
}
