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
	"fmt"

	log "github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migration upgrades the schema by one version.
type migration func(ctx context.Context, tx pgx.Tx) error

// migrations are applied in order; the schema version is the number of applied migrations.
var migrations = []migration{
	createTables,
	addDebugReporting,
	addCleanupIndexes,
}

func execAll(ctx context.Context, tx pgx.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func createTables(ctx context.Context, tx pgx.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE sources (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			event_id BIGINT NOT NULL,
			publisher TEXT NOT NULL,
			registrant TEXT NOT NULL,
			attribution_destination TEXT NOT NULL,
			enrollment_id TEXT NOT NULL,
			ad_tech_domain TEXT NOT NULL,
			event_time BIGINT NOT NULL,
			expiry_time BIGINT NOT NULL,
			priority BIGINT NOT NULL,
			source_type TEXT NOT NULL,
			install_attribution_window BIGINT NOT NULL,
			install_cooldown_window BIGINT NOT NULL,
			install_attributed BOOLEAN NOT NULL,
			attribution_mode INTEGER NOT NULL,
			aggregate_source JSONB,
			filter_data JSONB,
			status INTEGER NOT NULL,
			debug_key BIGINT,
			event_report_dedup_keys BIGINT[],
			aggregate_report_dedup_keys BIGINT[],
			aggregate_contributions INTEGER NOT NULL
		)`,
		`CREATE INDEX sources_destination_idx ON sources (attribution_destination, enrollment_id, expiry_time)`,
		`CREATE TABLE triggers (
			id TEXT PRIMARY KEY,
			attribution_destination TEXT NOT NULL,
			enrollment_id TEXT NOT NULL,
			ad_tech_domain TEXT NOT NULL,
			registrant TEXT NOT NULL,
			trigger_time BIGINT NOT NULL,
			event_triggers JSONB,
			aggregatable_trigger_data JSONB,
			aggregatable_values JSONB,
			aggregatable_dedup_keys JSONB,
			filters JSONB,
			not_filters JSONB,
			debug_key BIGINT,
			status INTEGER NOT NULL
		)`,
		`CREATE INDEX triggers_status_idx ON triggers (status, trigger_time)`,
		`CREATE TABLE event_reports (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			source_id TEXT NOT NULL,
			source_event_id BIGINT NOT NULL,
			report_time BIGINT NOT NULL,
			trigger_time BIGINT NOT NULL,
			trigger_priority BIGINT NOT NULL,
			trigger_data BIGINT NOT NULL,
			attribution_destination TEXT NOT NULL,
			ad_tech_domain TEXT NOT NULL,
			enrollment_id TEXT NOT NULL,
			trigger_dedup_key BIGINT,
			randomized_trigger_rate DOUBLE PRECISION NOT NULL,
			status INTEGER NOT NULL,
			source_type TEXT NOT NULL,
			source_debug_key BIGINT,
			trigger_debug_key BIGINT
		)`,
		`CREATE INDEX event_reports_source_idx ON event_reports (source_id)`,
		`CREATE TABLE aggregate_reports (
			id TEXT PRIMARY KEY,
			publisher TEXT NOT NULL,
			attribution_destination TEXT NOT NULL,
			source_registration_time BIGINT NOT NULL,
			scheduled_report_time BIGINT NOT NULL,
			enrollment_id TEXT NOT NULL,
			ad_tech_domain TEXT NOT NULL,
			contributions JSONB,
			status INTEGER NOT NULL,
			api_version TEXT NOT NULL,
			source_debug_key BIGINT,
			trigger_debug_key BIGINT,
			source_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL
		)`,
		`CREATE TABLE attribution_rate_limits (
			id TEXT PRIMARY KEY,
			source_site TEXT NOT NULL,
			destination_site TEXT NOT NULL,
			enrollment_id TEXT NOT NULL,
			trigger_time BIGINT NOT NULL
		)`,
		`CREATE INDEX attribution_rate_limits_idx ON attribution_rate_limits (source_site, destination_site, enrollment_id, trigger_time)`,
	)
}

func addDebugReporting(ctx context.Context, tx pgx.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE triggers ADD COLUMN debug_reporting BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE event_reports ADD COLUMN debug_reporting BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE aggregate_reports ADD COLUMN debug_reporting BOOLEAN NOT NULL DEFAULT FALSE`,
	)
}

func addCleanupIndexes(ctx context.Context, tx pgx.Tx) error {
	return execAll(ctx, tx,
		`CREATE INDEX event_reports_status_idx ON event_reports (status, report_time)`,
		`CREATE INDEX aggregate_reports_status_idx ON aggregate_reports (status, scheduled_report_time)`,
	)
}

// Migrate brings the schema to the latest version. Each migration runs in its own transaction
// together with the version bump.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}
	for {
		applied, err := migrateOnce(ctx, pool)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
	}
}

// migrateOnce applies the next pending migration and reports whether there was one.
func migrateOnce(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE schema_version IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		var version int
		err := tx.QueryRow(ctx, `SELECT version FROM schema_version`).Scan(&version)
		switch {
		case err == pgx.ErrNoRows:
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		if version >= len(migrations) {
			return nil
		}
		if err := migrations[version](ctx, tx); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version+1, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE schema_version SET version = $1`, version+1); err != nil {
			return err
		}
		log.Infof("migrated schema to version %d", version+1)
		applied = true
		return nil
	})
	return applied, err
}
