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

// Package datastore defines the transactional persistence used by attribution, registration and
// reporting.
package datastore

import (
	"context"
	"errors"
	"time"

	log "github.com/golang/glog"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
)

// ErrNotFound is returned when a record with the requested ID does not exist.
var ErrNotFound = errors.New("record not found")

// Transaction reads and writes records inside one atomic transaction. Records returned by a
// Transaction are copies; changes are persisted only through the update methods.
type Transaction interface {
	InsertSource(ctx context.Context, source *reporttypes.Source) error
	GetSource(ctx context.Context, id string) (*reporttypes.Source, error)
	// UpdateSource persists the mutable fields of a source: status, dedup keys and consumed
	// aggregate contributions.
	UpdateSource(ctx context.Context, source *reporttypes.Source) error
	// MatchingSources returns the live sources with the trigger's destination and enrollment whose
	// lifetime includes the trigger time, in insertion order.
	MatchingSources(ctx context.Context, trigger *reporttypes.Trigger) ([]*reporttypes.Source, error)

	InsertTrigger(ctx context.Context, trigger *reporttypes.Trigger) error
	GetTrigger(ctx context.Context, id string) (*reporttypes.Trigger, error)
	UpdateTriggerStatus(ctx context.Context, id string, status reporttypes.TriggerStatus) error
	// PendingTriggerIDs returns up to limit pending triggers ordered by trigger time.
	PendingTriggerIDs(ctx context.Context, limit int) ([]string, error)

	InsertEventReport(ctx context.Context, report *reporttypes.EventReport) error
	GetEventReport(ctx context.Context, id string) (*reporttypes.EventReport, error)
	// SourceEventReports returns the event reports of a source in insertion order.
	SourceEventReports(ctx context.Context, sourceID string) ([]*reporttypes.EventReport, error)
	DeleteEventReport(ctx context.Context, id string) error
	// PendingEventReportIDs returns the pending reports with a report time in [from, to].
	PendingEventReportIDs(ctx context.Context, from, to time.Time) ([]string, error)
	MarkEventReportDelivered(ctx context.Context, id string) error

	InsertAggregateReport(ctx context.Context, report *reporttypes.AggregateReport) error
	GetAggregateReport(ctx context.Context, id string) (*reporttypes.AggregateReport, error)
	// PendingAggregateReportIDs returns the pending reports scheduled in [from, to].
	PendingAggregateReportIDs(ctx context.Context, from, to time.Time) ([]string, error)
	MarkAggregateReportDelivered(ctx context.Context, id string) error

	InsertAttributionRateLimit(ctx context.Context, limit *reporttypes.AttributionRateLimit) error
	// CountAttributions counts the attributions recorded for the site pair and enrollment with a
	// trigger time in (from, to].
	CountAttributions(ctx context.Context, sourceSite, destinationSite, enrollmentID string, from, to time.Time) (int, error)

	// DeleteExpiredRecords removes sources expired before now, delivered reports and processed
	// triggers older than the retention, and rate-limit records older than the retention.
	DeleteExpiredRecords(ctx context.Context, now time.Time, retention time.Duration) error
}

// Store runs functions in transactions.
type Store interface {
	// Transact runs fn in a transaction. The transaction commits when fn returns nil and rolls
	// back otherwise.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
	Close()
}

// RunInTransaction runs fn in a transaction of the store and reports whether it committed.
// Failures are logged.
func RunInTransaction(ctx context.Context, store Store, fn func(ctx context.Context, tx Transaction) error) bool {
	if err := store.Transact(ctx, fn); err != nil {
		log.Errorf("transaction rolled back: %v", err)
		return false
	}
	return true
}
