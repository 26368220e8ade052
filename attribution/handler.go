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

package attribution

import (
	"context"
	"fmt"
	"math/rand/v2"

	log "github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/google/privacy-sandbox-measurement/aggregation"
	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/eventreport"
	"github.com/google/privacy-sandbox-measurement/internal/metrics"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
)

// Result is the outcome of attributing one trigger.
type Result struct {
	Source          *reporttypes.Source
	EventReports    []*reporttypes.EventReport
	AggregateReport *reporttypes.AggregateReport
	RateLimited     bool
}

// Attributed reports whether any report was created.
func (r *Result) Attributed() bool {
	return len(r.EventReports) > 0 || r.AggregateReport != nil
}

// Handler runs attribution for pending triggers.
type Handler struct {
	store      datastore.Store
	params     *params.Params
	events     *eventreport.Generator
	aggregates *aggregation.ReportBuilder
	// NewID generates rate-limit record IDs.
	NewID func() string
}

// NewHandler creates a Handler. A nil source uses a randomly seeded one.
func NewHandler(store datastore.Store, p *params.Params, src rand.Source) *Handler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Handler{
		store:      store,
		params:     p,
		events:     eventreport.NewGenerator(p, src),
		aggregates: aggregation.NewReportBuilder(p, src, uuid.NewString),
		NewID:      uuid.NewString,
	}
}

// PerformPendingAttributions attributes up to params.MaxAttributionsPerInvocation pending
// triggers, each in its own transaction. It returns false when a transaction failed or pending
// triggers remain.
func (h *Handler) PerformPendingAttributions(ctx context.Context) bool {
	var ids []string
	if !datastore.RunInTransaction(ctx, h.store, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		ids, err = tx.PendingTriggerIDs(ctx, params.MaxAttributionsPerInvocation+1)
		return err
	}) {
		return false
	}

	remaining := len(ids) > params.MaxAttributionsPerInvocation
	if remaining {
		ids = ids[:params.MaxAttributionsPerInvocation]
	}
	success := true
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			log.Warningf("attribution interrupted: %v", err)
			return false
		}
		if !h.PerformAttribution(ctx, id) {
			success = false
		}
	}
	return success && !remaining
}

// PerformAttribution attributes one trigger in a transaction and reports whether it committed.
func (h *Handler) PerformAttribution(ctx context.Context, triggerID string) bool {
	var result *Result
	ok := datastore.RunInTransaction(ctx, h.store, func(ctx context.Context, tx datastore.Transaction) error {
		trigger, err := tx.GetTrigger(ctx, triggerID)
		if err != nil {
			return err
		}
		if trigger.Status != reporttypes.TriggerStatusPending {
			log.V(2).Infof("trigger %q was already processed", triggerID)
			return nil
		}
		result, err = h.Attribute(ctx, tx, trigger)
		return err
	})
	if !ok {
		metrics.TriggersTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return false
	}
	if result == nil {
		return true
	}
	if result.RateLimited {
		metrics.RateLimitedTotal.Inc()
	}
	if result.Attributed() {
		metrics.TriggersTotal.WithLabelValues(reporttypes.TriggerStatusAttributed.String()).Inc()
	} else {
		metrics.TriggersTotal.WithLabelValues(reporttypes.TriggerStatusIgnored.String()).Inc()
	}
	metrics.ReportsCreatedTotal.WithLabelValues(metrics.TypeEvent).Add(float64(len(result.EventReports)))
	if result.AggregateReport != nil {
		metrics.ReportsCreatedTotal.WithLabelValues(metrics.TypeAggregate).Inc()
	}
	return true
}

// Attribute matches the trigger to a source and stores the resulting reports in tx. The trigger
// leaves the pending state: ATTRIBUTED when a report was created and IGNORED otherwise.
func (h *Handler) Attribute(ctx context.Context, tx datastore.Transaction, trigger *reporttypes.Trigger) (*Result, error) {
	result := &Result{}
	if err := h.attribute(ctx, tx, trigger, result); err != nil {
		return nil, err
	}
	status := reporttypes.TriggerStatusIgnored
	if result.Attributed() {
		status = reporttypes.TriggerStatusAttributed
	}
	if err := tx.UpdateTriggerStatus(ctx, trigger.ID, status); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Handler) attribute(ctx context.Context, tx datastore.Transaction, trigger *reporttypes.Trigger, result *Result) error {
	candidates, err := tx.MatchingSources(ctx, trigger)
	if err != nil {
		return err
	}
	source, losers := SelectSource(trigger, candidates)
	if source == nil {
		log.V(2).Infof("no source matches trigger %q", trigger.ID)
		return nil
	}
	result.Source = source

	limited, err := h.rateLimited(ctx, tx, source, trigger)
	if err != nil {
		return err
	}
	if limited {
		result.RateLimited = true
		return nil
	}

	for _, loser := range losers {
		loser.Status = reporttypes.SourceStatusIgnored
		if err := tx.UpdateSource(ctx, loser); err != nil {
			return err
		}
	}

	if err := h.createEventReports(ctx, tx, source, trigger, result); err != nil {
		return err
	}
	if err := h.createAggregateReport(ctx, tx, source, trigger, result); err != nil {
		return err
	}
	if !result.Attributed() {
		return nil
	}

	source.Status = reporttypes.SourceStatusAttributed
	if err := tx.UpdateSource(ctx, source); err != nil {
		return err
	}
	return h.recordAttribution(ctx, tx, source, trigger)
}

func sites(source *reporttypes.Source, trigger *reporttypes.Trigger) (string, string, error) {
	sourceSite, err := reporttypes.Site(source.Publisher)
	if err != nil {
		return "", "", fmt.Errorf("invalid publisher of source %q: %w", source.ID, err)
	}
	destinationSite, err := reporttypes.Site(trigger.AttributionDestination)
	if err != nil {
		return "", "", fmt.Errorf("invalid destination of trigger %q: %w", trigger.ID, err)
	}
	return sourceSite, destinationSite, nil
}

func (h *Handler) rateLimited(ctx context.Context, tx datastore.Transaction, source *reporttypes.Source, trigger *reporttypes.Trigger) (bool, error) {
	sourceSite, destinationSite, err := sites(source, trigger)
	if err != nil {
		return false, err
	}
	from := trigger.TriggerTime.Add(-h.params.RateLimitWindow.Duration())
	count, err := tx.CountAttributions(ctx, sourceSite, destinationSite, trigger.EnrollmentID, from, trigger.TriggerTime)
	if err != nil {
		return false, err
	}
	return count >= h.params.MaxAttributionsPerRateLimitWindow, nil
}

func (h *Handler) recordAttribution(ctx context.Context, tx datastore.Transaction, source *reporttypes.Source, trigger *reporttypes.Trigger) error {
	sourceSite, destinationSite, err := sites(source, trigger)
	if err != nil {
		return err
	}
	return tx.InsertAttributionRateLimit(ctx, &reporttypes.AttributionRateLimit{
		ID:              h.NewID(),
		SourceSite:      sourceSite,
		DestinationSite: destinationSite,
		EnrollmentID:    trigger.EnrollmentID,
		TriggerTime:     trigger.TriggerTime,
	})
}

func (h *Handler) createEventReports(ctx context.Context, tx datastore.Transaction, source *reporttypes.Source, trigger *reporttypes.Trigger, result *Result) error {
	if source.AttributionMode != reporttypes.AttributionModeTruthfully {
		log.V(2).Infof("source %q has attribution mode %v, no event report for trigger %q", source.ID, source.AttributionMode, trigger.ID)
		return nil
	}
	datums := MatchingEventTriggers(source, trigger)
	if len(datums) == 0 {
		return nil
	}
	profile, err := h.params.Profile(source.SourceType, source.InstallAttributed)
	if err != nil {
		return err
	}
	existing, err := tx.SourceEventReports(ctx, source.ID)
	if err != nil {
		return err
	}

	for _, datum := range datums {
		// Data of the same trigger can share a dedup key.
		if datum.DedupKey != nil && source.HasEventReportDedupKey(*datum.DedupKey) {
			continue
		}
		report, err := h.events.NewEventReport(source, trigger, datum)
		if err != nil {
			return err
		}
		if len(existing) >= profile.MaxReports {
			replaced, err := replaceLowestPriority(ctx, tx, source, existing, report)
			if err != nil {
				return err
			}
			if replaced < 0 {
				log.V(2).Infof("source %q has no report quota left for trigger %q", source.ID, trigger.ID)
				continue
			}
			result.EventReports = withoutReport(result.EventReports, existing[replaced].ID)
			existing = append(existing[:replaced], existing[replaced+1:]...)
		}
		if err := tx.InsertEventReport(ctx, report); err != nil {
			return err
		}
		existing = append(existing, report)
		result.EventReports = append(result.EventReports, report)
		if datum.DedupKey != nil {
			source.EventReportDedupKeys = append(source.EventReportDedupKeys, *datum.DedupKey)
		}
	}
	return nil
}

// withoutReport drops the report with the given ID, which a later datum of the same trigger may
// have replaced.
func withoutReport(reports []*reporttypes.EventReport, id string) []*reporttypes.EventReport {
	for i, r := range reports {
		if r.ID == id {
			return append(reports[:i], reports[i+1:]...)
		}
	}
	return reports
}

// replaceLowestPriority deletes the lowest priority pending report in the report window of the new
// report when the new report has a strictly higher priority. It returns the index of the deleted
// report in existing, or -1.
func replaceLowestPriority(ctx context.Context, tx datastore.Transaction, source *reporttypes.Source, existing []*reporttypes.EventReport, report *reporttypes.EventReport) (int, error) {
	lowest := -1
	for i, r := range existing {
		if r.Status != reporttypes.ReportStatusPending || !r.ReportTime.Equal(report.ReportTime) {
			continue
		}
		if lowest < 0 || r.TriggerPriority < existing[lowest].TriggerPriority {
			lowest = i
		}
	}
	if lowest < 0 || existing[lowest].TriggerPriority >= report.TriggerPriority {
		return -1, nil
	}
	victim := existing[lowest]
	if err := tx.DeleteEventReport(ctx, victim.ID); err != nil {
		return -1, err
	}
	if victim.TriggerDedupKey != nil {
		source.RemoveEventReportDedupKey(*victim.TriggerDedupKey)
	}
	return lowest, nil
}

func (h *Handler) createAggregateReport(ctx context.Context, tx datastore.Transaction, source *reporttypes.Source, trigger *reporttypes.Trigger, result *Result) error {
	if !trigger.HasAggregatableData() || len(source.AggregateSource) == 0 {
		return nil
	}
	dedupKey := aggregation.MatchingDedupKey(source, trigger)
	if dedupKey != nil && source.HasAggregateReportDedupKey(*dedupKey) {
		log.V(2).Infof("aggregatable part of trigger %q deduplicated on source %q", trigger.ID, source.ID)
		return nil
	}
	contributions, err := aggregation.GenerateContributions(source, trigger)
	if err != nil {
		log.Warningf("skipping aggregatable part of trigger %q: %v", trigger.ID, err)
		return nil
	}
	if len(contributions) == 0 {
		return nil
	}
	sum := aggregation.SumContributions(contributions)
	if source.AggregateContributions+sum > h.params.MaxAggregateContributions {
		log.V(2).Infof("source %q has no contribution budget left for trigger %q", source.ID, trigger.ID)
		return nil
	}

	report := h.aggregates.NewAggregateReport(source, trigger, contributions)
	if err := tx.InsertAggregateReport(ctx, report); err != nil {
		return err
	}
	source.AggregateContributions += sum
	if dedupKey != nil {
		source.AggregateReportDedupKeys = append(source.AggregateReportDedupKeys, *dedupKey)
	}
	result.AggregateReport = report
	return nil
}
