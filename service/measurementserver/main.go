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

// This binary hosts the measurement server: it stores registrations pulled from Pub/Sub, runs
// attribution and delivers the reports.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/profiler"
	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/aggregation"
	"github.com/google/privacy-sandbox-measurement/attribution"
	"github.com/google/privacy-sandbox-measurement/datastore"
	"github.com/google/privacy-sandbox-measurement/datastore/memory"
	"github.com/google/privacy-sandbox-measurement/datastore/postgres"
	"github.com/google/privacy-sandbox-measurement/enrollment"
	"github.com/google/privacy-sandbox-measurement/eventreport"
	"github.com/google/privacy-sandbox-measurement/registration"
	"github.com/google/privacy-sandbox-measurement/reporting"
	"github.com/google/privacy-sandbox-measurement/service/jobmonitor"
	"github.com/google/privacy-sandbox-measurement/service/utils"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	address = flag.String("address", ":8080", "Address of the server, which serves health checks and metrics.")

	paramsURI     = flag.String("params_uri", "", "Optional JSON table of privacy parameters, stored locally, in GCS or served at an URL.")
	enrollmentURI = flag.String("enrollment_uri", "", "JSON list of the enrolled ad-techs, stored locally, in GCS or served at an URL.")

	postgresURL            = flag.String("postgres_url", "", "PostgreSQL connection string. An in-memory store is used when empty.")
	postgresMaxConnections = flag.Int("postgres_max_connections", 10, "Maximum number of PostgreSQL connections.")

	coordinatorURL = flag.String("coordinator_url", "", "URL of the aggregation service public keys, or a public key versions file stored locally or in GCS.")
	redisAddress   = flag.String("redis_address", "", "Address of the Redis server caching the public keys. Keys are cached in memory when empty.")
	redisKey       = flag.String("redis_key", aggregation.DefaultRedisKey, "Redis key of the cached public keys.")

	// The PubSub subscription should enable the retry policy with a exponential backoff delay.
	pubsubSubscription = flag.String("pubsub_subscription", "", "The PubSub subscription where to pull the registration requests. The value should be a fully qualified subscription URI.")

	attributionInterval = flag.Duration("attribution_interval", time.Minute, "Interval between attribution jobs.")
	reportingInterval   = flag.Duration("reporting_interval", time.Hour, "Interval between reporting jobs.")
	cleanupInterval     = flag.Duration("cleanup_interval", 24*time.Hour, "Interval between cleanup jobs.")
	retention           = flag.Duration("retention", 30*24*time.Hour, "Retention of delivered reports and processed triggers.")
	deliveryConcurrency = flag.Int("delivery_concurrency", reporting.DefaultConcurrency, "Maximum number of reports sent at the same time.")

	authenticateDelivery   = flag.Bool("authenticate_delivery", false, "Send reports with a bearer token for the reporting origin.")
	impersonatedSvcAccount = flag.String("impersonated_svc_account", "", "Service account to impersonate for the bearer tokens.")

	firestoreProject = flag.String("firestore_project", "", "GCP project whose Firestore stores the job runs. Runs are only logged when empty.")
	enableProfiler   = flag.Bool("enable_profiler", false, "Enable Cloud Profiler.")
	profilerService  = flag.String("profiler_service", "measurement-server", "Service name reported to Cloud Profiler.")

	version string // set by linker -X
	build   string // set by linker -X
)

func newStore(ctx context.Context) (datastore.Store, error) {
	if *postgresURL == "" {
		log.Warning("no PostgreSQL connection string, records are kept in memory")
		return memory.New(), nil
	}
	return postgres.New(ctx, &postgres.Config{
		ConnectionString: *postgresURL,
		MaxConnections:   int32(*postgresMaxConnections),
	})
}

func newKeyCache() aggregation.KeyCache {
	if *redisAddress == "" {
		return &aggregation.MemoryKeyCache{}
	}
	return aggregation.NewRedisKeyCache(redis.NewClient(&redis.Options{Addr: *redisAddress}), *redisKey)
}

// runEvery calls fn at each tick until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Running measurement server version: %v, build: %v\n", version, buildDate)
	log.Infof("PubSub subscription: %s\n", *pubsubSubscription)
	log.Infof("Coordinator URL: %s\n", *coordinatorURL)

	if *enableProfiler {
		if err := profiler.Start(profiler.Config{Service: *profilerService, ServiceVersion: version}); err != nil {
			log.Errorf("failed to start the profiler: %v", err)
		}
	}

	ctx := context.Background()
	p, err := params.Read(ctx, *paramsURI)
	if err != nil {
		log.Exit(err)
	}
	enrollments, err := enrollment.ReadDirectory(ctx, *enrollmentURI)
	if err != nil {
		log.Exit(err)
	}
	store, err := newStore(ctx)
	if err != nil {
		log.Exit(err)
	}
	defer store.Close()

	var recorder jobmonitor.Recorder
	if *firestoreProject != "" {
		client, err := firestore.NewClient(ctx, *firestoreProject)
		if err != nil {
			log.Exit(err)
		}
		defer client.Close()
		recorder = jobmonitor.NewFirestoreRecorder(client, jobmonitor.ProdPath)
	}
	monitor := jobmonitor.New(recorder, time.Now)

	attributionHandler := attribution.NewHandler(store, p, nil)
	var token reporting.TokenSource
	if *authenticateDelivery {
		token = utils.TokenSource(*impersonatedSvcAccount)
	}
	keys := aggregation.NewKeyManager(aggregation.NewKeyFetcher(), newKeyCache(), *coordinatorURL, time.Now)
	reportingHandler := reporting.NewHandler(store, reporting.NewSender(token), keys)
	reportingHandler.Concurrency = *deliveryConcurrency

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:      *address,
		Handler:   mux,
		TLSConfig: &tls.Config{},
	}

	// Create channel to listen for signals.
	signalChan := make(chan os.Signal, 1)
	// SIGINT handles Ctrl+C locally.
	// SIGTERM handles e.g. Cloud Run termination signal.
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	cctx, cancel := context.WithCancel(ctx)
	if *pubsubSubscription != "" {
		client, sub, err := utils.NewSubscription(cctx, *pubsubSubscription)
		if err != nil {
			log.Exit(err)
		}
		defer client.Close()
		runner := registration.NewQueueRunner(store, registration.NewFetcher(enrollments), eventreport.NewGenerator(p, nil))
		go func() {
			if err := runner.Receive(cctx, sub); err != nil {
				log.Fatalf("Pull Subscription error: %v", err)
			}
		}()
	}

	// Attribution is not safe for concurrent use and runs in its own goroutine.
	go runEvery(cctx, *attributionInterval, func(ctx context.Context) {
		monitor.Run(ctx, jobmonitor.AttributionJob, attributionHandler.PerformPendingAttributions)
	})
	go runEvery(cctx, *reportingInterval, func(ctx context.Context) {
		now := time.Now()
		monitor.Run(ctx, jobmonitor.EventReportingJob, func(ctx context.Context) bool {
			return reportingHandler.PerformScheduledPendingEventReports(ctx, now.Add(-*retention), now)
		})
		monitor.Run(ctx, jobmonitor.AggregateReportingJob, func(ctx context.Context) bool {
			return reportingHandler.PerformScheduledPendingAggregateReports(ctx, now)
		})
	})
	go runEvery(cctx, *cleanupInterval, func(ctx context.Context) {
		monitor.Run(ctx, jobmonitor.DeleteExpiredRecordsJob, func(ctx context.Context) bool {
			return reporting.DeleteExpiredRecords(ctx, store, time.Now(), *retention)
		})
	})

	// Receive output from signalChan.
	sig := <-signalChan
	log.Infof("%s signal caught", sig)
	cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err)
	}
}
