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

// Package memory implements an in-process datastore. Transactions are serialized and commit by
// replacing the state with the modified snapshot.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
)

type sourceEntry struct {
	seq    int64
	source *reporttypes.Source
}

type eventReportEntry struct {
	seq    int64
	report *reporttypes.EventReport
}

// state holds the records. Stored values are never modified in place, so a snapshot only copies
// the maps.
type state struct {
	seq              int64
	sources          map[string]sourceEntry
	triggers         map[string]*reporttypes.Trigger
	eventReports     map[string]eventReportEntry
	aggregateReports map[string]*reporttypes.AggregateReport
	rateLimits       []*reporttypes.AttributionRateLimit
}

func newState() *state {
	return &state{
		sources:          make(map[string]sourceEntry),
		triggers:         make(map[string]*reporttypes.Trigger),
		eventReports:     make(map[string]eventReportEntry),
		aggregateReports: make(map[string]*reporttypes.AggregateReport),
	}
}

func (s *state) snapshot() *state {
	return &state{
		seq:              s.seq,
		sources:          maps.Clone(s.sources),
		triggers:         maps.Clone(s.triggers),
		eventReports:     maps.Clone(s.eventReports),
		aggregateReports: maps.Clone(s.aggregateReports),
		rateLimits:       append([]*reporttypes.AttributionRateLimit(nil), s.rateLimits...),
	}
}

// Store is an in-memory datastore.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

// Transact implements datastore.Store.
func (m *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx datastore.Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &transaction{state: m.state.snapshot()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// Close implements datastore.Store.
func (m *Store) Close() {}

type transaction struct {
	state *state
}

func (t *transaction) nextSeq() int64 {
	t.state.seq++
	return t.state.seq
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, datastore.ErrNotFound)
}

func copyTrigger(t *reporttypes.Trigger) *reporttypes.Trigger {
	c := *t
	return &c
}

func copyEventReport(r *reporttypes.EventReport) *reporttypes.EventReport {
	c := *r
	return &c
}

func copyAggregateReport(r *reporttypes.AggregateReport) *reporttypes.AggregateReport {
	c := *r
	c.Contributions = append([]reporttypes.AggregateHistogramContribution(nil), r.Contributions...)
	return &c
}

func (t *transaction) InsertSource(_ context.Context, source *reporttypes.Source) error {
	if _, ok := t.state.sources[source.ID]; ok {
		return fmt.Errorf("source %q already exists", source.ID)
	}
	t.state.sources[source.ID] = sourceEntry{seq: t.nextSeq(), source: source.Clone()}
	return nil
}

func (t *transaction) GetSource(_ context.Context, id string) (*reporttypes.Source, error) {
	e, ok := t.state.sources[id]
	if !ok {
		return nil, notFound("source", id)
	}
	return e.source.Clone(), nil
}

func (t *transaction) UpdateSource(_ context.Context, source *reporttypes.Source) error {
	e, ok := t.state.sources[source.ID]
	if !ok {
		return notFound("source", source.ID)
	}
	updated := e.source.Clone()
	updated.Status = source.Status
	updated.EventReportDedupKeys = append(updated.EventReportDedupKeys[:0:0], source.EventReportDedupKeys...)
	updated.AggregateReportDedupKeys = append(updated.AggregateReportDedupKeys[:0:0], source.AggregateReportDedupKeys...)
	updated.AggregateContributions = source.AggregateContributions
	t.state.sources[source.ID] = sourceEntry{seq: e.seq, source: updated}
	return nil
}

func (t *transaction) MatchingSources(_ context.Context, trigger *reporttypes.Trigger) ([]*reporttypes.Source, error) {
	var entries []sourceEntry
	for _, e := range t.state.sources {
		s := e.source
		if s.AttributionDestination != trigger.AttributionDestination || s.EnrollmentID != trigger.EnrollmentID {
			continue
		}
		if !s.Status.Live() || trigger.TriggerTime.Before(s.EventTime) || trigger.TriggerTime.After(s.ExpiryTime) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	sources := make([]*reporttypes.Source, 0, len(entries))
	for _, e := range entries {
		sources = append(sources, e.source.Clone())
	}
	return sources, nil
}

func (t *transaction) InsertTrigger(_ context.Context, trigger *reporttypes.Trigger) error {
	if _, ok := t.state.triggers[trigger.ID]; ok {
		return fmt.Errorf("trigger %q already exists", trigger.ID)
	}
	t.state.triggers[trigger.ID] = copyTrigger(trigger)
	return nil
}

func (t *transaction) GetTrigger(_ context.Context, id string) (*reporttypes.Trigger, error) {
	trigger, ok := t.state.triggers[id]
	if !ok {
		return nil, notFound("trigger", id)
	}
	return copyTrigger(trigger), nil
}

func (t *transaction) UpdateTriggerStatus(_ context.Context, id string, status reporttypes.TriggerStatus) error {
	trigger, ok := t.state.triggers[id]
	if !ok {
		return notFound("trigger", id)
	}
	updated := copyTrigger(trigger)
	updated.Status = status
	t.state.triggers[id] = updated
	return nil
}

func (t *transaction) PendingTriggerIDs(_ context.Context, limit int) ([]string, error) {
	var pending []*reporttypes.Trigger
	for _, trigger := range t.state.triggers {
		if trigger.Status == reporttypes.TriggerStatusPending {
			pending = append(pending, trigger)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].TriggerTime.Equal(pending[j].TriggerTime) {
			return pending[i].TriggerTime.Before(pending[j].TriggerTime)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit >= 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]string, 0, len(pending))
	for _, trigger := range pending {
		ids = append(ids, trigger.ID)
	}
	return ids, nil
}

func (t *transaction) InsertEventReport(_ context.Context, report *reporttypes.EventReport) error {
	if _, ok := t.state.eventReports[report.ID]; ok {
		return fmt.Errorf("event report %q already exists", report.ID)
	}
	t.state.eventReports[report.ID] = eventReportEntry{seq: t.nextSeq(), report: copyEventReport(report)}
	return nil
}

func (t *transaction) GetEventReport(_ context.Context, id string) (*reporttypes.EventReport, error) {
	e, ok := t.state.eventReports[id]
	if !ok {
		return nil, notFound("event report", id)
	}
	return copyEventReport(e.report), nil
}

func (t *transaction) SourceEventReports(_ context.Context, sourceID string) ([]*reporttypes.EventReport, error) {
	var entries []eventReportEntry
	for _, e := range t.state.eventReports {
		if e.report.SourceID == sourceID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	reports := make([]*reporttypes.EventReport, 0, len(entries))
	for _, e := range entries {
		reports = append(reports, copyEventReport(e.report))
	}
	return reports, nil
}

func (t *transaction) DeleteEventReport(_ context.Context, id string) error {
	if _, ok := t.state.eventReports[id]; !ok {
		return notFound("event report", id)
	}
	delete(t.state.eventReports, id)
	return nil
}

func inWindow(tm, from, to time.Time) bool {
	return !tm.Before(from) && !tm.After(to)
}

func (t *transaction) PendingEventReportIDs(_ context.Context, from, to time.Time) ([]string, error) {
	var ids []string
	for id, e := range t.state.eventReports {
		if e.report.Status == reporttypes.ReportStatusPending && inWindow(e.report.ReportTime, from, to) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *transaction) MarkEventReportDelivered(_ context.Context, id string) error {
	e, ok := t.state.eventReports[id]
	if !ok {
		return notFound("event report", id)
	}
	updated := copyEventReport(e.report)
	updated.Status = reporttypes.ReportStatusDelivered
	t.state.eventReports[id] = eventReportEntry{seq: e.seq, report: updated}
	return nil
}

func (t *transaction) InsertAggregateReport(_ context.Context, report *reporttypes.AggregateReport) error {
	if _, ok := t.state.aggregateReports[report.ID]; ok {
		return fmt.Errorf("aggregate report %q already exists", report.ID)
	}
	t.state.aggregateReports[report.ID] = copyAggregateReport(report)
	return nil
}

func (t *transaction) GetAggregateReport(_ context.Context, id string) (*reporttypes.AggregateReport, error) {
	report, ok := t.state.aggregateReports[id]
	if !ok {
		return nil, notFound("aggregate report", id)
	}
	return copyAggregateReport(report), nil
}

func (t *transaction) PendingAggregateReportIDs(_ context.Context, from, to time.Time) ([]string, error) {
	var ids []string
	for id, report := range t.state.aggregateReports {
		if report.Status == reporttypes.ReportStatusPending && inWindow(report.ScheduledReportTime, from, to) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *transaction) MarkAggregateReportDelivered(_ context.Context, id string) error {
	report, ok := t.state.aggregateReports[id]
	if !ok {
		return notFound("aggregate report", id)
	}
	updated := copyAggregateReport(report)
	updated.Status = reporttypes.ReportStatusDelivered
	t.state.aggregateReports[id] = updated
	return nil
}

func (t *transaction) InsertAttributionRateLimit(_ context.Context, limit *reporttypes.AttributionRateLimit) error {
	c := *limit
	t.state.rateLimits = append(t.state.rateLimits, &c)
	return nil
}

func (t *transaction) CountAttributions(_ context.Context, sourceSite, destinationSite, enrollmentID string, from, to time.Time) (int, error) {
	count := 0
	for _, l := range t.state.rateLimits {
		if l.SourceSite == sourceSite && l.DestinationSite == destinationSite && l.EnrollmentID == enrollmentID &&
			l.TriggerTime.After(from) && !l.TriggerTime.After(to) {
			count++
		}
	}
	return count, nil
}

func (t *transaction) DeleteExpiredRecords(_ context.Context, now time.Time, retention time.Duration) error {
	earliest := now.Add(-retention)
	for id, e := range t.state.sources {
		if e.source.ExpiryTime.Before(now) {
			delete(t.state.sources, id)
		}
	}
	for id, trigger := range t.state.triggers {
		if trigger.Status != reporttypes.TriggerStatusPending && trigger.TriggerTime.Before(earliest) {
			delete(t.state.triggers, id)
		}
	}
	for id, e := range t.state.eventReports {
		if e.report.Status == reporttypes.ReportStatusDelivered && e.report.ReportTime.Before(earliest) {
			delete(t.state.eventReports, id)
		}
	}
	for id, report := range t.state.aggregateReports {
		if report.Status == reporttypes.ReportStatusDelivered && report.ScheduledReportTime.Before(earliest) {
			delete(t.state.aggregateReports, id)
		}
	}
	var kept []*reporttypes.AttributionRateLimit
	for _, l := range t.state.rateLimits {
		if !l.TriggerTime.Before(earliest) {
			kept = append(kept, l)
		}
	}
	t.state.rateLimits = kept
	return nil
}
