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

package enrollment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnrollmentForSite(t *testing.T) {
	d, err := NewDirectory([]*Enrollment{
		{ID: "enrollment1", Sites: []string{"https://adtech.example", "https://Reports.Adtech.example"}},
		{ID: "enrollment2", Sites: []string{"https://other.example"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, tc := range []struct {
		site, want string
	}{
		{"https://adtech.example", "enrollment1"},
		{"https://adtech.example/register?x=1", "enrollment1"},
		{"https://reports.adtech.example", "enrollment1"},
		{"https://other.example", "enrollment2"},
	} {
		got, err := d.EnrollmentForSite(ctx, tc.site)
		if err != nil {
			t.Fatalf("EnrollmentForSite(%q) = %s", tc.site, err)
		}
		if got.ID != tc.want {
			t.Errorf("EnrollmentForSite(%q) = %s, want %s", tc.site, got.ID, tc.want)
		}
	}

	if _, err := d.EnrollmentForSite(ctx, "https://unknown.example"); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("expect ErrNotEnrolled for an unknown site, got %v", err)
	}
	if _, err := d.EnrollmentForSite(ctx, "not a url"); err == nil {
		t.Error("expect error for a relative site")
	}
}

func TestNewDirectoryRejectsSharedSite(t *testing.T) {
	_, err := NewDirectory([]*Enrollment{
		{ID: "enrollment1", Sites: []string{"https://adtech.example"}},
		{ID: "enrollment2", Sites: []string{"https://adtech.example"}},
	})
	if err == nil {
		t.Fatal("expect error for a site in two enrollments")
	}
}

func TestReadDirectory(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "enrollments.json")
	if err := os.WriteFile(filename, []byte(`[{"enrollment_id":"e1","sites":["https://adtech.example"]}]`), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := ReadDirectory(context.Background(), filename)
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.EnrollmentForSite(context.Background(), "https://adtech.example")
	if err != nil {
		t.Fatal(err)
	}
	want := &Enrollment{ID: "e1", Sites: []string{"https://adtech.example"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("enrollment mismatch (-want +got):\n%s", diff)
	}
}
