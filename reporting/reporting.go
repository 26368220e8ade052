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

// Package reporting delivers pending event-level and aggregatable reports to the reporting
// origins, and removes records past their retention.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/aggregation"
	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/internal/metrics"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// Well-known paths of the reporting origins.
const (
	EventReportPath     = "/.well-known/attribution-reporting/report-event-attribution"
	AggregateReportPath = "/.well-known/attribution-reporting/report-aggregate-attribution"
)

// DefaultConcurrency bounds the number of reports sent at the same time.
const DefaultConcurrency = 16

// TokenSource returns a bearer token for requests to the audience.
type TokenSource func(ctx context.Context, audience string) (string, error)

// Sender POSTs JSON report bodies.
type Sender struct {
	Client *http.Client
	// Token is optional. When set, every request carries a bearer token for the reporting origin.
	Token TokenSource
}

// NewSender creates a Sender with a retrying HTTP client.
func NewSender(token TokenSource) *Sender {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	return &Sender{Client: client.StandardClient(), Token: token}
}

// Send POSTs the JSON encoded body to origin+path and expects a 2xx response.
func (s *Sender) Send(ctx context.Context, origin, path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	uri := strings.TrimSuffix(origin, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != nil {
		token, err := s.Token(ctx, origin)
		if err != nil {
			return fmt.Errorf("getting token for %s: %w", origin, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s returned status %s", uri, resp.Status)
	}
	return nil
}

// EventReportBody builds the JSON body of an event-level report.
func EventReportBody(r *reporttypes.EventReport) *reporttypes.EventReportPayload {
	return &reporttypes.EventReportPayload{
		AttributionDestination: r.AttributionDestination,
		ScheduledReportTime:    strconv.FormatInt(r.ReportTime.Unix(), 10),
		SourceEventID:          r.SourceEventID,
		TriggerData:            r.TriggerData,
		ReportID:               r.ID,
		SourceType:             r.SourceType,
		RandomizedTriggerRate:  r.RandomizedTriggerRate,
		SourceDebugKey:         r.SourceDebugKey,
		TriggerDebugKey:        r.TriggerDebugKey,
	}
}

// Handler runs the delivery jobs.
type Handler struct {
	store  datastore.Store
	sender *Sender
	keys   *aggregation.KeyManager
	// Concurrency bounds the number of reports sent at the same time.
	Concurrency int
}

// NewHandler creates a Handler. keys may be nil when aggregatable reports are not delivered.
func NewHandler(store datastore.Store, sender *Sender, keys *aggregation.KeyManager) *Handler {
	return &Handler{store: store, sender: sender, keys: keys, Concurrency: DefaultConcurrency}
}

var errAlreadyDelivered = errors.New("report already delivered")

// SendEventReport delivers one pending event-level report and marks it delivered.
func (h *Handler) SendEventReport(ctx context.Context, id string) error {
	var report *reporttypes.EventReport
	if err := h.store.Transact(ctx, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		report, err = tx.GetEventReport(ctx, id)
		return err
	}); err != nil {
		return err
	}
	if report.Status == reporttypes.ReportStatusDelivered {
		return errAlreadyDelivered
	}

	start := time.Now()
	err := h.sender.Send(ctx, report.AdTechDomain, EventReportPath, EventReportBody(report))
	metrics.DeliveryDuration.WithLabelValues(metrics.TypeEvent).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return h.store.Transact(ctx, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.MarkEventReportDelivered(ctx, id)
	})
}

// SendAggregateReport encrypts one pending aggregatable report with an unexpired key, delivers it
// and marks it delivered. Without a usable key the report stays pending and ErrNoEncryptionKey is
// returned.
func (h *Handler) SendAggregateReport(ctx context.Context, id string) error {
	var report *reporttypes.AggregateReport
	if err := h.store.Transact(ctx, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		report, err = tx.GetAggregateReport(ctx, id)
		return err
	}); err != nil {
		return err
	}
	if report.Status == reporttypes.ReportStatusDelivered {
		return errAlreadyDelivered
	}
	if h.keys == nil {
		return aggregation.ErrNoEncryptionKey
	}
	key, err := h.keys.SelectKey(ctx)
	if err != nil {
		metrics.KeyFetchesTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return err
	}
	metrics.KeyFetchesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	body, err := aggregation.NewReportBody(report, key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = h.sender.Send(ctx, report.AdTechDomain, AggregateReportPath, body)
	metrics.DeliveryDuration.WithLabelValues(metrics.TypeAggregate).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return h.store.Transact(ctx, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.MarkAggregateReportDelivered(ctx, id)
	})
}

// PerformScheduledPendingEventReports delivers the pending event-level reports with a report time
// in [from, to]. It reports whether every report was delivered.
func (h *Handler) PerformScheduledPendingEventReports(ctx context.Context, from, to time.Time) bool {
	var ids []string
	if !datastore.RunInTransaction(ctx, h.store, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		ids, err = tx.PendingEventReportIDs(ctx, from, to)
		return err
	}) {
		return false
	}
	return h.sendAll(ctx, metrics.TypeEvent, ids, h.SendEventReport)
}

// PerformScheduledPendingAggregateReports delivers the pending aggregatable reports scheduled up to
// now. The window has no lower bound: a report waiting for an encryption key stays pending until
// a key is available, however old it is.
func (h *Handler) PerformScheduledPendingAggregateReports(ctx context.Context, now time.Time) bool {
	var ids []string
	if !datastore.RunInTransaction(ctx, h.store, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		ids, err = tx.PendingAggregateReportIDs(ctx, time.Time{}, now)
		return err
	}) {
		return false
	}
	return h.sendAll(ctx, metrics.TypeAggregate, ids, h.SendAggregateReport)
}

// sendAll sends the reports concurrently. A failed report does not stop the others.
func (h *Handler) sendAll(ctx context.Context, reportType string, ids []string, send func(context.Context, string) error) bool {
	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(concurrency)
	failures := make([]bool, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			err := send(ctx, id)
			switch {
			case err == nil:
				metrics.ReportsDeliveredTotal.WithLabelValues(reportType, metrics.ResultSuccess).Inc()
			case errors.Is(err, errAlreadyDelivered):
				log.V(2).Infof("%s report %s was already delivered", reportType, id)
			default:
				failures[i] = true
				metrics.ReportsDeliveredTotal.WithLabelValues(reportType, metrics.ResultFailure).Inc()
				log.Errorf("delivering %s report %s: %v", reportType, id, err)
			}
			return nil
		})
	}
	g.Wait()
	for _, failed := range failures {
		if failed {
			return false
		}
	}
	return true
}

// DeleteExpiredRecords removes the records that are past their retention at now.
func DeleteExpiredRecords(ctx context.Context, store datastore.Store, now time.Time, retention time.Duration) bool {
	return datastore.RunInTransaction(ctx, store, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.DeleteExpiredRecords(ctx, now, retention)
	})
}
