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

// Package jobmonitor contains types and functions for measurement job monitoring.
package jobmonitor

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	log "github.com/golang/glog"
)

// Paths should be used when writing to Firestore.
const (
	ProdPath = "jobs"
	TestPath = "jobs-test"
)

// Job names.
const (
	AttributionJob          = "attribution"
	EventReportingJob       = "event-reporting"
	AggregateReportingJob   = "aggregate-reporting"
	DeleteExpiredRecordsJob = "delete-expired-records"
)

// JobRun represents one run of a periodic measurement job.
type JobRun struct {
	Job      string    `firestore:"job"`
	Started  time.Time `firestore:"started"`
	Finished time.Time `firestore:"finished"`
	Success  bool      `firestore:"success"`
}

// Recorder stores job runs.
type Recorder interface {
	Record(ctx context.Context, run *JobRun) error
}

// FirestoreRecorder adds each run as a document of a Firestore collection.
type FirestoreRecorder struct {
	client *firestore.Client
	path   string
}

// NewFirestoreRecorder creates a FirestoreRecorder writing to the collection at path.
func NewFirestoreRecorder(client *firestore.Client, path string) *FirestoreRecorder {
	return &FirestoreRecorder{client: client, path: path}
}

// Record implements Recorder.
func (r *FirestoreRecorder) Record(ctx context.Context, run *JobRun) error {
	_, _, err := r.client.Collection(r.path).Add(ctx, run)
	return err
}

// LogRecorder only logs the runs.
type LogRecorder struct{}

// Record implements Recorder.
func (LogRecorder) Record(_ context.Context, run *JobRun) error {
	log.V(1).Infof("job %s started at %s finished in %s, success: %t", run.Job, run.Started, run.Finished.Sub(run.Started), run.Success)
	return nil
}

// Monitor runs jobs and records their runs.
type Monitor struct {
	recorder Recorder
	now      func() time.Time
}

// New creates a Monitor. A nil recorder logs the runs only.
func New(recorder Recorder, now func() time.Time) *Monitor {
	if recorder == nil {
		recorder = LogRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{recorder: recorder, now: now}
}

// Run executes the job and records the run. A failure to record is logged and does not change the
// job result.
func (m *Monitor) Run(ctx context.Context, job string, fn func(ctx context.Context) bool) bool {
	run := &JobRun{Job: job, Started: m.now()}
	run.Success = fn(ctx)
	run.Finished = m.now()
	if err := m.recorder.Record(ctx, run); err != nil {
		log.Warningf("failed to record run of job %s: %v", job, err)
	}
	return run.Success
}
