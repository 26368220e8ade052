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

// This binary reads registration requests from an input file, one JSON object per line, and
// publishes them to the Pub/Sub topic pulled by the measurement server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"strconv"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/registration"
	"github.com/google/privacy-sandbox-measurement/service/utils"
	sharedutils "github.com/google/privacy-sandbox-measurement/shared/utils"
	"github.com/google/uuid"
)

var (
	requestsURI = flag.String("requests_uri", "", "Input file of registration requests.")
	pubsubTopic = flag.String("pubsub_topic", "", "Fully qualified Pub/Sub topic where the requests are published.")
	sendCount   = flag.Int("send_count", 1, "How many times to send each request.")

	version string // set by linker -X
	build   string // set by linker -X
)

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Running registration simulator version: %v, build: %v\n", version, buildDate)

	ctx := context.Background()
	lines, err := sharedutils.ReadLines(ctx, *requestsURI)
	if err != nil {
		log.Exit(err)
	}
	client, topic, err := utils.NewTopicClient(ctx, *pubsubTopic)
	if err != nil {
		log.Exit(err)
	}
	defer client.Close()

	if *sendCount <= 0 {
		*sendCount = 1
	}
	var sent int
	for i := 0; i < *sendCount; i++ {
		for _, line := range lines {
			if line == "" {
				continue
			}
			req := &registration.Request{}
			if err := json.Unmarshal([]byte(line), req); err != nil {
				log.Exit(err)
			}
			// Every copy is a distinct request.
			req.ID = uuid.NewString()
			if req.RequestTime.IsZero() {
				req.RequestTime = time.Now().UTC()
			}
			if err := registration.Enqueue(ctx, client, topic, req); err != nil {
				log.Errorf("failed to publish request for %s: %v", req.RegistrationURI, err)
				continue
			}
			sent++
		}
	}
	log.Infof("All %v registration requests published!", sent)
}
