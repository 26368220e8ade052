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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/eventreport"
	"github.com/google/privacy-sandbox-measurement/internal/metrics"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
	"github.com/googleapis/gax-go/v2"
)

// QueueRunner stores the registrations of queued requests. It is not safe for concurrent use.
type QueueRunner struct {
	store   datastore.Store
	fetcher *Fetcher
	events  *eventreport.Generator
	// Backoff paces the retries of failed requests.
	Backoff gax.Backoff
}

// NewQueueRunner creates a QueueRunner.
func NewQueueRunner(store datastore.Store, fetcher *Fetcher, events *eventreport.Generator) *QueueRunner {
	return &QueueRunner{
		store:   store,
		fetcher: fetcher,
		events:  events,
		Backoff: gax.Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2},
	}
}

// Process fetches and stores the registrations of a request. It returns false when the request
// should be retried, which is the case when the first registration server could not be reached or
// the registrations could not be stored. Invalid registrations are dropped and not retried.
func (r *QueueRunner) Process(ctx context.Context, req *Request) bool {
	if err := req.Validate(); err != nil {
		log.Errorf("dropping registration request %s: %v", req.ID, err)
		return true
	}
	switch req.Type {
	case TypeSource:
		sources, err := r.fetcher.FetchSources(ctx, req)
		if err != nil {
			log.Errorf("fetching sources of request %s: %v", req.ID, err)
			return false
		}
		return r.storeSources(ctx, sources)
	case TypeTrigger:
		triggers, err := r.fetcher.FetchTriggers(ctx, req)
		if err != nil {
			log.Errorf("fetching triggers of request %s: %v", req.ID, err)
			return false
		}
		return datastore.RunInTransaction(ctx, r.store, func(ctx context.Context, tx datastore.Transaction) error {
			for _, t := range triggers {
				if err := tx.InsertTrigger(ctx, t); err != nil {
					return fmt.Errorf("inserting trigger %s: %w", t.ID, err)
				}
			}
			return nil
		})
	}
	return true
}

// storeSources draws the randomized response of each source and stores the source together with
// its fake reports.
func (r *QueueRunner) storeSources(ctx context.Context, sources []*reporttypes.Source) bool {
	fakes := make([][]*reporttypes.EventReport, len(sources))
	for i, s := range sources {
		reports, err := r.events.AssignAttributionMode(s)
		if err != nil {
			log.Errorf("assigning attribution mode of source %s: %v", s.ID, err)
			return false
		}
		fakes[i] = reports
	}
	ok := datastore.RunInTransaction(ctx, r.store, func(ctx context.Context, tx datastore.Transaction) error {
		for i, s := range sources {
			if err := tx.InsertSource(ctx, s); err != nil {
				return fmt.Errorf("inserting source %s: %w", s.ID, err)
			}
			for _, report := range fakes[i] {
				if err := tx.InsertEventReport(ctx, report); err != nil {
					return fmt.Errorf("inserting fake report %s: %w", report.ID, err)
				}
			}
		}
		return nil
	})
	if ok {
		for _, reports := range fakes {
			metrics.FakeReportsTotal.Add(float64(len(reports)))
		}
	}
	return ok
}

// Receive processes the requests published on a Pub/Sub subscription until ctx is done. Messages
// are processed one at a time; failed requests are nacked after a backoff pause.
func (r *QueueRunner) Receive(ctx context.Context, sub *pubsub.Subscription) error {
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req := &Request{}
		if err := json.Unmarshal(msg.Data, req); err != nil {
			log.Errorf("dropping malformed registration message %s: %v", msg.ID, err)
			msg.Ack()
			return
		}
		if r.Process(ctx, req) {
			r.Backoff = gax.Backoff{Initial: r.Backoff.Initial, Max: r.Backoff.Max, Multiplier: r.Backoff.Multiplier}
			msg.Ack()
			return
		}
		if err := gax.Sleep(ctx, r.Backoff.Pause()); err != nil {
			log.V(2).Infof("backoff interrupted: %v", err)
		}
		msg.Nack()
	})
}

// Enqueue publishes a registration request on a Pub/Sub topic.
func Enqueue(ctx context.Context, client *pubsub.Client, topic string, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return utils.PublishRequest(ctx, client, topic, req)
}
