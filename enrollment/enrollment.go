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

// Package enrollment maps the sites of ad-tech registration servers to their enrollments.
package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/utils"
)

// ErrNotEnrolled is returned for a site that belongs to no enrollment.
var ErrNotEnrolled = errors.New("site is not enrolled")

// Enrollment is an ad-tech allowed to register sources and triggers.
type Enrollment struct {
	ID string `json:"enrollment_id"`
	// Sites are the scheme and host of the registration servers of the ad-tech.
	Sites []string `json:"sites"`
}

// Lookup finds the enrollment of a registration server.
type Lookup interface {
	EnrollmentForSite(ctx context.Context, site string) (*Enrollment, error)
}

// Directory is an in-memory Lookup.
type Directory struct {
	bySite map[string]*Enrollment
}

// NewDirectory indexes the enrollments by site. A site may belong to one enrollment only.
func NewDirectory(enrollments []*Enrollment) (*Directory, error) {
	d := &Directory{bySite: make(map[string]*Enrollment)}
	for _, e := range enrollments {
		if e.ID == "" {
			return nil, errors.New("enrollment ID must not be empty")
		}
		for _, s := range e.Sites {
			site, err := reporttypes.Site(s)
			if err != nil {
				return nil, fmt.Errorf("enrollment %s: %w", e.ID, err)
			}
			if other, ok := d.bySite[site]; ok && other.ID != e.ID {
				return nil, fmt.Errorf("site %s belongs to enrollments %s and %s", site, other.ID, e.ID)
			}
			d.bySite[site] = e
		}
	}
	return d, nil
}

// ReadDirectory loads a JSON list of enrollments stored locally, in GCS or served at an URL.
func ReadDirectory(ctx context.Context, uri string) (*Directory, error) {
	var enrollments []*Enrollment
	if err := utils.ReadJSON(ctx, uri, &enrollments); err != nil {
		return nil, fmt.Errorf("reading enrollments %q: %w", uri, err)
	}
	return NewDirectory(enrollments)
}

// EnrollmentForSite implements Lookup.
func (d *Directory) EnrollmentForSite(_ context.Context, site string) (*Enrollment, error) {
	normalized, err := reporttypes.Site(site)
	if err != nil {
		return nil, err
	}
	e, ok := d.bySite[normalized]
	if !ok {
		return nil, fmt.Errorf("%s: %w", normalized, ErrNotEnrolled)
	}
	return e, nil
}
