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

// Package collectorservice contains the functions needed for the HTTP service which collects
// reports sent by the measurement server on behalf of an ad-tech.
package collectorservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/internal/metrics"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
	"golang.org/x/sync/errgroup"
)

const (
	/* 20% reportsChannel buffer to allow for reports being processed while writing batches but
	limiting outstanding reports to cap memory consumption */
	reportsChannelBufferFactor = 0.2

	// Supported URL paths.
	aggregateReportPath      = "/.well-known/attribution-reporting/report-aggregate-attribution"
	debugAggregateReportPath = "/.well-known/attribution-reporting/debug/report-aggregate-attribution"
	eventReportPath          = "/.well-known/attribution-reporting/report-event-attribution"
	debugEventReportPath     = "/.well-known/attribution-reporting/debug/report-event-attribution"

	// Batch keys of the event-level reports.
	eventBatchKey      = "event"
	debugEventBatchKey = "event-debug"
)

// batchRecord is one line of a batch file.
type batchRecord struct {
	batchKey string
	line     string
}

// CollectorHandler handles the HTTPS requests with incoming reports.
//
// The server keeps receiving reports and tracks the number of records per batch. Aggregatable
// payloads are batched by encryption key, so that each batch can be processed by the aggregation
// service with one private key. When a batch reaches the predefined size, it is written to a file.
type CollectorHandler struct {
	bufferedReportWriter bufferedReportWriter
}

// NewHandler creates a new CollectorHandler with initialized values
func NewHandler(ctx context.Context, batchSize int, batchDir string) *CollectorHandler {
	brw := bufferedReportWriter{
		batchSize: batchSize,
		batchDir:  batchDir,
		wg:        &sync.WaitGroup{},
		reportsCh: make(chan []batchRecord, int(float64(batchSize)*reportsChannelBufferFactor)),
	}
	brw.start(ctx, brw.reportsCh)

	return &CollectorHandler{
		bufferedReportWriter: brw,
	}
}

func (h *CollectorHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodGet {
		log.Info("GET Request received.")
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "Failed in reading the request body", http.StatusBadRequest)
		log.Error(err)
		return
	}

	var (
		records    []batchRecord
		reportType string
	)
	switch req.URL.Path {
	case aggregateReportPath, debugAggregateReportPath:
		reportType = metrics.TypeAggregate
		records, err = aggregateRecords(body)
	case eventReportPath, debugEventReportPath:
		reportType = metrics.TypeEvent
		batchKey := eventBatchKey
		if req.URL.Path == debugEventReportPath {
			batchKey = debugEventBatchKey
		}
		records, err = eventRecords(body, batchKey)
	default:
		errMsg := "Unsupported path"
		http.Error(w, errMsg, http.StatusNotFound)
		log.Error(errMsg)
		return
	}
	if err != nil {
		metrics.CollectedReportsTotal.WithLabelValues(reportType, metrics.ResultFailure).Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Error(err)
		return
	}

	metrics.CollectedReportsTotal.WithLabelValues(reportType, metrics.ResultSuccess).Inc()
	h.bufferedReportWriter.reportsCh <- records
}

// aggregateRecords extracts the encrypted payloads of an aggregatable report. For debug reports
// the cleartext payloads are collected too, in batches parallel to the encrypted ones.
func aggregateRecords(body []byte) ([]batchRecord, error) {
	report := &reporttypes.AggregatableReport{}
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("failed in decoding aggregatable report: %w", err)
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	if _, err := report.ParseSharedInfo(); err != nil {
		return nil, err
	}

	encrypted, err := report.ExtractPayloads(false)
	if err != nil {
		return nil, err
	}
	debug := report.IsDebugReport()
	var cleartext []*reporttypes.EncryptedPayload
	if debug {
		if cleartext, err = report.ExtractPayloads(true); err != nil {
			return nil, err
		}
	}

	var records []batchRecord
	for i, p := range encrypted {
		line, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		batchKey := "aggregate+" + p.KeyID
		if !debug {
			records = append(records, batchRecord{batchKey: batchKey, line: string(line)})
			continue
		}
		clearLine, err := json.Marshal(cleartext[i])
		if err != nil {
			return nil, err
		}
		records = append(records,
			batchRecord{batchKey: batchKey + "-debug-encrypted", line: string(line)},
			batchRecord{batchKey: batchKey + "-debug-cleartext", line: string(clearLine)})
	}
	return records, nil
}

func eventRecords(body []byte, batchKey string) ([]batchRecord, error) {
	report := &reporttypes.EventReportPayload{}
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("failed in decoding event report: %w", err)
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	line, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	return []batchRecord{{batchKey: batchKey, line: string(line)}}, nil
}

// Shutdown function used in http.Server.RegisterOnShutdown to close channel and flush
// remaining reports
func (h *CollectorHandler) Shutdown() {
	close(h.bufferedReportWriter.reportsCh)
	h.bufferedReportWriter.wg.Wait()
}

type bufferedReportWriter struct {
	batchSize int
	batchDir  string
	wg        *sync.WaitGroup
	reportsCh chan []batchRecord
}

func (brw *bufferedReportWriter) start(ctx context.Context, reportsCh <-chan []batchRecord) {
	log.Infof("Starting buffered report writer with %v batch size", brw.batchSize)

	batches := make(map[string][]string)
	brw.wg.Add(1)
	go func() {
		defer brw.wg.Done()
		for records := range reportsCh {
			full := make(map[string][]string)
			for _, r := range records {
				batches[r.batchKey] = append(batches[r.batchKey], r.line)
				if len(batches[r.batchKey]) >= brw.batchSize {
					full[r.batchKey] = batches[r.batchKey]
				}
			}
			// The debug encrypted and cleartext batches fill up together and are written together.
			if len(full) > 0 {
				brw.writeBatches(ctx, full)
				for batchKey := range full {
					delete(batches, batchKey)
				}
			}
		}
		log.Info("Buffered Report Writer channel closed, flushing remaining reports...")
		brw.writeBatches(ctx, batches)
	}()
}

func (brw *bufferedReportWriter) writeBatches(ctx context.Context, batches map[string][]string) {
	start := time.Now()
	timestamp := start.Format(time.RFC3339Nano)
	g, ctx := errgroup.WithContext(ctx)
	for batchKey, lines := range batches {
		g.Go(func() error {
			if len(lines) > 0 {
				batchURI := utils.JoinPath(brw.batchDir, fmt.Sprintf("%s/%s+%s", batchKey, batchKey, timestamp))
				log.Infof("Writing %v records in batch %v to: %v", len(lines), batchKey, batchURI)
				return utils.WriteLines(ctx, lines, batchURI)
			}
			log.Infof("Empty batch, nothing to write!")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error(err)
	}
	log.Infof("Writing batches at %s took %s.", timestamp, time.Since(start))
}
