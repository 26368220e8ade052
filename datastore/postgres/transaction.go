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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/unsignedlong"
)

// transaction implements datastore.Transaction on a pgx transaction.
type transaction struct {
	tx pgx.Tx
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, datastore.ErrNotFound)
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	return fmt.Errorf("failed to read %s %q: %w", kind, id, err)
}

func keysToInt64(keys []unsignedlong.UnsignedLong) []int64 {
	if len(keys) == 0 {
		return nil
	}
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = k.Int64()
	}
	return out
}

func keysFromInt64(keys []int64) []unsignedlong.UnsignedLong {
	if len(keys) == 0 {
		return nil
	}
	out := make([]unsignedlong.UnsignedLong, len(keys))
	for i, k := range keys {
		out[i] = unsignedlong.FromInt64(k)
	}
	return out
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const sourceColumns = `id, event_id, publisher, registrant, attribution_destination, enrollment_id,
	ad_tech_domain, event_time, expiry_time, priority, source_type, install_attribution_window,
	install_cooldown_window, install_attributed, attribution_mode, aggregate_source, filter_data,
	status, debug_key, event_report_dedup_keys, aggregate_report_dedup_keys, aggregate_contributions`

func (t *transaction) InsertSource(ctx context.Context, s *reporttypes.Source) error {
	aggregateSource, err := encodeAggregateSource(s.AggregateSource)
	if err != nil {
		return err
	}
	filterData, err := json.Marshal(s.FilterData)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		s.ID, s.EventID.Int64(), s.Publisher, s.Registrant, s.AttributionDestination, s.EnrollmentID,
		s.AdTechDomain, millis(s.EventTime), millis(s.ExpiryTime), s.Priority, string(s.SourceType),
		s.InstallAttributionWindow.Milliseconds(), s.InstallCooldownWindow.Milliseconds(), s.InstallAttributed,
		int(s.AttributionMode), aggregateSource, filterData, int(s.Status), unsignedlong.Optional(s.DebugKey),
		keysToInt64(s.EventReportDedupKeys), keysToInt64(s.AggregateReportDedupKeys), s.AggregateContributions,
	)
	if err != nil {
		return fmt.Errorf("failed to insert source %q: %w", s.ID, err)
	}
	return nil
}

func scanSource(row pgx.Row) (*reporttypes.Source, error) {
	var (
		s                                          reporttypes.Source
		eventID                                    int64
		eventTime, expiryTime, installWin, coolWin int64
		sourceType                                 string
		mode, status                               int
		aggregateSource, filterData                []byte
		debugKey                                   *int64
		eventDedupKeys, aggregateDedupKeys         []int64
	)
	if err := row.Scan(&s.ID, &eventID, &s.Publisher, &s.Registrant, &s.AttributionDestination, &s.EnrollmentID,
		&s.AdTechDomain, &eventTime, &expiryTime, &s.Priority, &sourceType, &installWin,
		&coolWin, &s.InstallAttributed, &mode, &aggregateSource, &filterData,
		&status, &debugKey, &eventDedupKeys, &aggregateDedupKeys, &s.AggregateContributions); err != nil {
		return nil, err
	}
	s.EventID = unsignedlong.FromInt64(eventID)
	s.EventTime, s.ExpiryTime = fromMillis(eventTime), fromMillis(expiryTime)
	s.SourceType = reporttypes.SourceType(sourceType)
	s.InstallAttributionWindow = time.Duration(installWin) * time.Millisecond
	s.InstallCooldownWindow = time.Duration(coolWin) * time.Millisecond
	s.AttributionMode = reporttypes.AttributionMode(mode)
	s.Status = reporttypes.SourceStatus(status)
	s.DebugKey = unsignedlong.FromOptional(debugKey)
	s.EventReportDedupKeys = keysFromInt64(eventDedupKeys)
	s.AggregateReportDedupKeys = keysFromInt64(aggregateDedupKeys)
	var err error
	if s.AggregateSource, err = decodeAggregateSource(aggregateSource); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(filterData, &s.FilterData); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *transaction) GetSource(ctx context.Context, id string) (*reporttypes.Source, error) {
	s, err := scanSource(t.tx.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(err, "source", id)
	}
	return s, nil
}

func (t *transaction) UpdateSource(ctx context.Context, s *reporttypes.Source) error {
	result, err := t.tx.Exec(ctx, `UPDATE sources
		SET status = $2, event_report_dedup_keys = $3, aggregate_report_dedup_keys = $4, aggregate_contributions = $5
		WHERE id = $1`,
		s.ID, int(s.Status), keysToInt64(s.EventReportDedupKeys), keysToInt64(s.AggregateReportDedupKeys), s.AggregateContributions)
	if err != nil {
		return fmt.Errorf("failed to update source %q: %w", s.ID, err)
	}
	if result.RowsAffected() == 0 {
		return notFound("source", s.ID)
	}
	return nil
}

func (t *transaction) MatchingSources(ctx context.Context, trigger *reporttypes.Trigger) ([]*reporttypes.Source, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+sourceColumns+` FROM sources
		WHERE attribution_destination = $1 AND enrollment_id = $2
			AND event_time <= $3 AND expiry_time >= $3 AND status IN ($4, $5)
		ORDER BY seq
		FOR UPDATE`,
		trigger.AttributionDestination, trigger.EnrollmentID, millis(trigger.TriggerTime),
		int(reporttypes.SourceStatusActive), int(reporttypes.SourceStatusAttributed))
	if err != nil {
		return nil, fmt.Errorf("failed to query matching sources: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reporttypes.Source, error) {
		return scanSource(row)
	})
}

const triggerColumns = `id, attribution_destination, enrollment_id, ad_tech_domain, registrant, trigger_time,
	event_triggers, aggregatable_trigger_data, aggregatable_values, aggregatable_dedup_keys, filters,
	not_filters, debug_key, debug_reporting, status`

func (t *transaction) InsertTrigger(ctx context.Context, trigger *reporttypes.Trigger) error {
	encoded, err := encodeTrigger(trigger)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		trigger.ID, trigger.AttributionDestination, trigger.EnrollmentID, trigger.AdTechDomain, trigger.Registrant,
		millis(trigger.TriggerTime), encoded.eventTriggers, encoded.aggregatableTriggerData, encoded.aggregatableValues,
		encoded.aggregatableDedupKeys, encoded.filters, encoded.notFilters, unsignedlong.Optional(trigger.DebugKey),
		trigger.DebugReporting, int(trigger.Status))
	if err != nil {
		return fmt.Errorf("failed to insert trigger %q: %w", trigger.ID, err)
	}
	return nil
}

func (t *transaction) GetTrigger(ctx context.Context, id string) (*reporttypes.Trigger, error) {
	var (
		trigger     reporttypes.Trigger
		triggerTime int64
		encoded     encodedTrigger
		debugKey    *int64
		status      int
	)
	err := t.tx.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id).Scan(
		&trigger.ID, &trigger.AttributionDestination, &trigger.EnrollmentID, &trigger.AdTechDomain, &trigger.Registrant,
		&triggerTime, &encoded.eventTriggers, &encoded.aggregatableTriggerData, &encoded.aggregatableValues,
		&encoded.aggregatableDedupKeys, &encoded.filters, &encoded.notFilters, &debugKey, &trigger.DebugReporting, &status)
	if err != nil {
		return nil, wrapNotFound(err, "trigger", id)
	}
	trigger.TriggerTime = fromMillis(triggerTime)
	trigger.DebugKey = unsignedlong.FromOptional(debugKey)
	trigger.Status = reporttypes.TriggerStatus(status)
	if err := decodeTrigger(&encoded, &trigger); err != nil {
		return nil, fmt.Errorf("invalid stored trigger %q: %w", id, err)
	}
	return &trigger, nil
}

func (t *transaction) UpdateTriggerStatus(ctx context.Context, id string, status reporttypes.TriggerStatus) error {
	result, err := t.tx.Exec(ctx, `UPDATE triggers SET status = $2 WHERE id = $1`, id, int(status))
	if err != nil {
		return fmt.Errorf("failed to update trigger %q: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return notFound("trigger", id)
	}
	return nil
}

func (t *transaction) PendingTriggerIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM triggers WHERE status = $1 ORDER BY trigger_time, id LIMIT $2`,
		int(reporttypes.TriggerStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending triggers: %w", err)
	}
	return collectIDs(rows)
}

const eventReportColumns = `id, source_id, source_event_id, report_time, trigger_time, trigger_priority,
	trigger_data, attribution_destination, ad_tech_domain, enrollment_id, trigger_dedup_key,
	randomized_trigger_rate, status, source_type, source_debug_key, trigger_debug_key, debug_reporting`

func (t *transaction) InsertEventReport(ctx context.Context, r *reporttypes.EventReport) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO event_reports (`+eventReportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.SourceID, r.SourceEventID.Int64(), millis(r.ReportTime), millis(r.TriggerTime), r.TriggerPriority,
		r.TriggerData.Int64(), r.AttributionDestination, r.AdTechDomain, r.EnrollmentID, unsignedlong.Optional(r.TriggerDedupKey),
		r.RandomizedTriggerRate, int(r.Status), string(r.SourceType), unsignedlong.Optional(r.SourceDebugKey),
		unsignedlong.Optional(r.TriggerDebugKey), r.DebugReporting)
	if err != nil {
		return fmt.Errorf("failed to insert event report %q: %w", r.ID, err)
	}
	return nil
}

func scanEventReport(row pgx.Row) (*reporttypes.EventReport, error) {
	var (
		r                                         reporttypes.EventReport
		sourceEventID, triggerData                int64
		reportTime, triggerTime                   int64
		dedupKey, sourceDebugKey, triggerDebugKey *int64
		status                                    int
		sourceType                                string
	)
	if err := row.Scan(&r.ID, &r.SourceID, &sourceEventID, &reportTime, &triggerTime, &r.TriggerPriority,
		&triggerData, &r.AttributionDestination, &r.AdTechDomain, &r.EnrollmentID, &dedupKey,
		&r.RandomizedTriggerRate, &status, &sourceType, &sourceDebugKey, &triggerDebugKey, &r.DebugReporting); err != nil {
		return nil, err
	}
	r.SourceEventID, r.TriggerData = unsignedlong.FromInt64(sourceEventID), unsignedlong.FromInt64(triggerData)
	r.ReportTime, r.TriggerTime = fromMillis(reportTime), fromMillis(triggerTime)
	r.TriggerDedupKey = unsignedlong.FromOptional(dedupKey)
	r.SourceDebugKey, r.TriggerDebugKey = unsignedlong.FromOptional(sourceDebugKey), unsignedlong.FromOptional(triggerDebugKey)
	r.Status = reporttypes.ReportStatus(status)
	r.SourceType = reporttypes.SourceType(sourceType)
	return &r, nil
}

func (t *transaction) GetEventReport(ctx context.Context, id string) (*reporttypes.EventReport, error) {
	r, err := scanEventReport(t.tx.QueryRow(ctx, `SELECT `+eventReportColumns+` FROM event_reports WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(err, "event report", id)
	}
	return r, nil
}

func (t *transaction) SourceEventReports(ctx context.Context, sourceID string) ([]*reporttypes.EventReport, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+eventReportColumns+` FROM event_reports WHERE source_id = $1 ORDER BY seq`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event reports of source %q: %w", sourceID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reporttypes.EventReport, error) {
		return scanEventReport(row)
	})
}

func (t *transaction) DeleteEventReport(ctx context.Context, id string) error {
	result, err := t.tx.Exec(ctx, `DELETE FROM event_reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event report %q: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return notFound("event report", id)
	}
	return nil
}

func (t *transaction) PendingEventReportIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM event_reports
		WHERE status = $1 AND report_time >= $2 AND report_time <= $3 ORDER BY id`,
		int(reporttypes.ReportStatusPending), millis(from), millis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending event reports: %w", err)
	}
	return collectIDs(rows)
}

func (t *transaction) MarkEventReportDelivered(ctx context.Context, id string) error {
	result, err := t.tx.Exec(ctx, `UPDATE event_reports SET status = $2 WHERE id = $1`, id, int(reporttypes.ReportStatusDelivered))
	if err != nil {
		return fmt.Errorf("failed to update event report %q: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return notFound("event report", id)
	}
	return nil
}

const aggregateReportColumns = `id, publisher, attribution_destination, source_registration_time,
	scheduled_report_time, enrollment_id, ad_tech_domain, contributions, status, api_version,
	source_debug_key, trigger_debug_key, source_id, trigger_id, debug_reporting`

func (t *transaction) InsertAggregateReport(ctx context.Context, r *reporttypes.AggregateReport) error {
	contributions, err := json.Marshal(r.Contributions)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO aggregate_reports (`+aggregateReportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.Publisher, r.AttributionDestination, millis(r.SourceRegistrationTime), millis(r.ScheduledReportTime),
		r.EnrollmentID, r.AdTechDomain, contributions, int(r.Status), r.APIVersion,
		unsignedlong.Optional(r.SourceDebugKey), unsignedlong.Optional(r.TriggerDebugKey), r.SourceID, r.TriggerID, r.DebugReporting)
	if err != nil {
		return fmt.Errorf("failed to insert aggregate report %q: %w", r.ID, err)
	}
	return nil
}

func (t *transaction) GetAggregateReport(ctx context.Context, id string) (*reporttypes.AggregateReport, error) {
	var (
		r                               reporttypes.AggregateReport
		registrationTime, scheduledTime int64
		contributions                   []byte
		status                          int
		sourceDebugKey, triggerDebugKey *int64
	)
	err := t.tx.QueryRow(ctx, `SELECT `+aggregateReportColumns+` FROM aggregate_reports WHERE id = $1`, id).Scan(
		&r.ID, &r.Publisher, &r.AttributionDestination, &registrationTime, &scheduledTime, &r.EnrollmentID,
		&r.AdTechDomain, &contributions, &status, &r.APIVersion, &sourceDebugKey, &triggerDebugKey,
		&r.SourceID, &r.TriggerID, &r.DebugReporting)
	if err != nil {
		return nil, wrapNotFound(err, "aggregate report", id)
	}
	r.SourceRegistrationTime, r.ScheduledReportTime = fromMillis(registrationTime), fromMillis(scheduledTime)
	r.Status = reporttypes.ReportStatus(status)
	r.SourceDebugKey, r.TriggerDebugKey = unsignedlong.FromOptional(sourceDebugKey), unsignedlong.FromOptional(triggerDebugKey)
	if err := unmarshalJSON(contributions, &r.Contributions); err != nil {
		return nil, fmt.Errorf("invalid stored aggregate report %q: %w", id, err)
	}
	return &r, nil
}

func (t *transaction) PendingAggregateReportIDs(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM aggregate_reports
		WHERE status = $1 AND scheduled_report_time >= $2 AND scheduled_report_time <= $3 ORDER BY id`,
		int(reporttypes.ReportStatusPending), millis(from), millis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending aggregate reports: %w", err)
	}
	return collectIDs(rows)
}

func (t *transaction) MarkAggregateReportDelivered(ctx context.Context, id string) error {
	result, err := t.tx.Exec(ctx, `UPDATE aggregate_reports SET status = $2 WHERE id = $1`, id, int(reporttypes.ReportStatusDelivered))
	if err != nil {
		return fmt.Errorf("failed to update aggregate report %q: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return notFound("aggregate report", id)
	}
	return nil
}

func (t *transaction) InsertAttributionRateLimit(ctx context.Context, l *reporttypes.AttributionRateLimit) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO attribution_rate_limits (id, source_site, destination_site, enrollment_id, trigger_time)
		VALUES ($1, $2, $3, $4, $5)`,
		l.ID, l.SourceSite, l.DestinationSite, l.EnrollmentID, millis(l.TriggerTime))
	if err != nil {
		return fmt.Errorf("failed to insert attribution rate limit: %w", err)
	}
	return nil
}

func (t *transaction) CountAttributions(ctx context.Context, sourceSite, destinationSite, enrollmentID string, from, to time.Time) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM attribution_rate_limits
		WHERE source_site = $1 AND destination_site = $2 AND enrollment_id = $3
			AND trigger_time > $4 AND trigger_time <= $5`,
		sourceSite, destinationSite, enrollmentID, millis(from), millis(to)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attributions: %w", err)
	}
	return count, nil
}

func (t *transaction) DeleteExpiredRecords(ctx context.Context, now time.Time, retention time.Duration) error {
	earliest := millis(now.Add(-retention))
	statements := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM sources WHERE expiry_time < $1`, []any{millis(now)}},
		{`DELETE FROM triggers WHERE status <> $1 AND trigger_time < $2`, []any{int(reporttypes.TriggerStatusPending), earliest}},
		{`DELETE FROM event_reports WHERE status = $1 AND report_time < $2`, []any{int(reporttypes.ReportStatusDelivered), earliest}},
		{`DELETE FROM aggregate_reports WHERE status = $1 AND scheduled_report_time < $2`, []any{int(reporttypes.ReportStatusDelivered), earliest}},
		{`DELETE FROM attribution_rate_limits WHERE trigger_time < $1`, []any{earliest}},
	}
	for _, s := range statements {
		if _, err := t.tx.Exec(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("failed to delete expired records: %w", err)
		}
	}
	return nil
}
