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

// Package postgres implements the datastore on PostgreSQL. Transactions run at the serializable
// isolation level and lock candidate sources while attributing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/privacy-sandbox-measurement/datastore"
)

// Config holds the connection settings of the store.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	// MaxRetries is the number of times a transaction is retried after a serialization failure.
	MaxRetries int
}

// Store is a datastore.Store backed by PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// New connects to the database and applies the pending migrations.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.ConnectionString == "" {
		return nil, errors.New("connection string is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Store{pool: pool, maxRetries: maxRetries}, nil
}

// Close implements datastore.Store.
func (s *Store) Close() {
	s.pool.Close()
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// Transact implements datastore.Store. Transactions aborted by a serialization conflict are
// retried.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx datastore.Transaction) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(ctx, &transaction{tx: tx})
		})
		if !isSerializationFailure(err) {
			return err
		}
		log.V(2).Infof("retrying transaction after serialization failure: %v", err)
	}
	return err
}
