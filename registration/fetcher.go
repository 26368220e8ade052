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

// Package registration fetches, validates and stores source and trigger registrations.
//
// A registration request names a registration server URL. The server answers a POST with the
// registration in a response header, and may list further servers to query in the redirect header.
package registration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/golang/glog"
	"github.com/google/privacy-sandbox-measurement/enrollment"
	"github.com/google/privacy-sandbox-measurement/internal/metrics"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
	"github.com/google/privacy-sandbox-measurement/shared/params"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Registration response headers.
const (
	SourceHeader   = "Attribution-Reporting-Register-Source"
	TriggerHeader  = "Attribution-Reporting-Register-Trigger"
	RedirectHeader = "Attribution-Reporting-Redirect"
)

// DefaultRequestTimeout bounds each registration server request.
const DefaultRequestTimeout = 5 * time.Second

// Type is the kind of registration a request asks for.
type Type string

// Registration types.
const (
	TypeSource  Type = "source"
	TypeTrigger Type = "trigger"
)

// Request is a queued request to fetch registrations from a registration server.
type Request struct {
	ID              string `json:"id"`
	Type            Type   `json:"type"`
	RegistrationURI string `json:"registration_uri"`
	// TopOrigin is the publisher of a source, or the destination of a trigger.
	TopOrigin   string                 `json:"top_origin"`
	Registrant  string                 `json:"registrant"`
	RequestTime time.Time              `json:"request_time"`
	SourceType  reporttypes.SourceType `json:"source_type,omitempty"`
	// RedirectsEnabled allows following the redirect header of the responses.
	RedirectsEnabled bool `json:"redirects_enabled"`
	AllowDebugKey    bool `json:"allow_debug_key"`
}

// Validate checks the request can be fetched.
func (r *Request) Validate() error {
	if r.RegistrationURI == "" {
		return errors.New("registration URI must not be empty")
	}
	if _, err := reporttypes.Site(r.TopOrigin); err != nil {
		return fmt.Errorf("invalid top origin: %w", err)
	}
	switch r.Type {
	case TypeSource:
		if _, err := reporttypes.ParseSourceType(string(r.SourceType)); err != nil {
			return err
		}
	case TypeTrigger:
	default:
		return fmt.Errorf("unknown registration type %q", r.Type)
	}
	if r.RequestTime.IsZero() {
		return errors.New("request time must be set")
	}
	return nil
}

// Fetcher queries registration servers.
type Fetcher struct {
	Client     *http.Client
	Enrollment enrollment.Lookup
	// Timeout bounds each server request.
	Timeout time.Duration
	// NewID generates source and trigger IDs.
	NewID func() string
}

// NewFetcher creates a Fetcher with a retrying HTTP client.
func NewFetcher(lookup enrollment.Lookup) *Fetcher {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	httpClient := client.StandardClient()
	httpClient.CheckRedirect = keepRedirectResponse
	return &Fetcher{
		Client:     httpClient,
		Enrollment: lookup,
		Timeout:    DefaultRequestTimeout,
		NewID:      uuid.NewString,
	}
}

// keepRedirectResponse stops the HTTP client on a 3xx, so redirects only go through the capped
// and enrollment-checked queue of walk.
func keepRedirectResponse(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func isRedirect(code int) bool {
	return code >= 300 && code <= 399
}

// response is the registration answered by one server.
type response struct {
	uri          string
	adTechDomain string
	enrollmentID string
	header       string
	redirects    []string
}

// FetchSources queries the registration server of a source request and its redirects, and returns
// the valid sources. Failures on redirects are logged and never discard earlier results; an error
// is returned only when the first server could not be queried.
func (f *Fetcher) FetchSources(ctx context.Context, req *Request) ([]*reporttypes.Source, error) {
	var sources []*reporttypes.Source
	err := f.walk(ctx, req, SourceHeader, func(resp *response) {
		source, err := ParseSourceRegistration([]byte(resp.header), SourceContext{
			ID:            f.NewID(),
			Publisher:     req.TopOrigin,
			Registrant:    req.Registrant,
			EnrollmentID:  resp.enrollmentID,
			AdTechDomain:  resp.adTechDomain,
			EventTime:     req.RequestTime,
			SourceType:    req.SourceType,
			AllowDebugKey: req.AllowDebugKey,
		})
		if err != nil {
			log.Warningf("dropping source registration from %s: %v", resp.uri, err)
			metrics.RegistrationsTotal.WithLabelValues(metrics.TypeSource, metrics.ResultFailure).Inc()
			return
		}
		metrics.RegistrationsTotal.WithLabelValues(metrics.TypeSource, metrics.ResultSuccess).Inc()
		sources = append(sources, source)
	})
	return sources, err
}

// FetchTriggers is FetchSources for trigger requests.
func (f *Fetcher) FetchTriggers(ctx context.Context, req *Request) ([]*reporttypes.Trigger, error) {
	var triggers []*reporttypes.Trigger
	err := f.walk(ctx, req, TriggerHeader, func(resp *response) {
		trigger, err := ParseTriggerRegistration([]byte(resp.header), TriggerContext{
			ID:                     f.NewID(),
			AttributionDestination: req.TopOrigin,
			EnrollmentID:           resp.enrollmentID,
			AdTechDomain:           resp.adTechDomain,
			Registrant:             req.Registrant,
			TriggerTime:            req.RequestTime,
			AllowDebugKey:          req.AllowDebugKey,
		})
		if err != nil {
			log.Warningf("dropping trigger registration from %s: %v", resp.uri, err)
			metrics.RegistrationsTotal.WithLabelValues(metrics.TypeTrigger, metrics.ResultFailure).Inc()
			return
		}
		metrics.RegistrationsTotal.WithLabelValues(metrics.TypeTrigger, metrics.ResultSuccess).Inc()
		triggers = append(triggers, trigger)
	})
	return triggers, err
}

// walk queries the servers breadth-first, starting from the request URI. At most
// MaxRegistrationRedirects redirects are followed in total.
func (f *Fetcher) walk(ctx context.Context, req *Request, header string, handle func(*response)) error {
	if err := req.Validate(); err != nil {
		return err
	}
	resp, err := f.fetch(ctx, req.RegistrationURI, header)
	if err != nil {
		return err
	}
	if resp.header != "" {
		handle(resp)
	}
	if !req.RedirectsEnabled {
		return nil
	}

	queue := resp.redirects
	followed := 0
	for len(queue) > 0 && followed < params.MaxRegistrationRedirects {
		uri := queue[0]
		queue = queue[1:]
		followed++
		resp, err := f.fetch(ctx, uri, header)
		if err != nil {
			log.Warningf("skipping redirect %s: %v", uri, err)
			continue
		}
		if resp.header != "" {
			handle(resp)
		}
		queue = append(queue, resp.redirects...)
	}
	if len(queue) > 0 {
		log.V(2).Infof("dropping %d redirects of %s over the limit", len(queue), req.RegistrationURI)
	}
	return nil
}

// fetch POSTs to one registration server. Servers without an enrollment are not queried.
func (f *Fetcher) fetch(ctx context.Context, uri, header string) (*response, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid registration URI %q: %w", uri, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("registration URI %q must use https", uri)
	}
	site, err := reporttypes.Site(uri)
	if err != nil {
		return nil, err
	}
	e, err := f.Enrollment.EnrollmentForSite(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup for %s: %w", site, err)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, nil)
	if err != nil {
		return nil, err
	}
	client := *f.Client
	client.CheckRedirect = keepRedirectResponse
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, httpResp.Body)
	code := httpResp.StatusCode
	if (code < 200 || code > 299) && !isRedirect(code) {
		return nil, fmt.Errorf("POST %s returned status %s", uri, httpResp.Status)
	}
	redirects := httpResp.Header.Values(RedirectHeader)
	if isRedirect(code) {
		if loc, err := httpResp.Location(); err == nil {
			redirects = append(redirects, loc.String())
		}
	}
	return &response{
		uri:          uri,
		adTechDomain: site,
		enrollmentID: e.ID,
		header:       httpResp.Header.Get(header),
		redirects:    redirects,
	}, nil
}
