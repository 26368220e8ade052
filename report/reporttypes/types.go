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

// Package reporttypes contains the records shared by registration, attribution and reporting:
// sources, triggers, event-level reports, aggregatable reports and encryption keys.
package reporttypes

import (
	"fmt"
	"net/url"
	"strings"
)

// SourceType is the kind of ad interaction a source registers.
type SourceType string

// Source types.
const (
	SourceTypeEvent      SourceType = "event"
	SourceTypeNavigation SourceType = "navigation"
)

// ParseSourceType checks the input string is a known source type.
func ParseSourceType(s string) (SourceType, error) {
	switch t := SourceType(strings.ToLower(s)); t {
	case SourceTypeEvent, SourceTypeNavigation:
		return t, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// SourceStatus is the attribution state of a source.
type SourceStatus int

// Source statuses.
const (
	SourceStatusActive SourceStatus = iota
	SourceStatusIgnored
	SourceStatusAttributed
)

func (s SourceStatus) String() string {
	switch s {
	case SourceStatusActive:
		return "ACTIVE"
	case SourceStatusIgnored:
		return "IGNORED"
	case SourceStatusAttributed:
		return "ATTRIBUTED"
	}
	return fmt.Sprintf("SourceStatus(%d)", int(s))
}

// Live reports whether a trigger can still attribute to a source with this status.
func (s SourceStatus) Live() bool {
	return s == SourceStatusActive || s == SourceStatusAttributed
}

// AttributionMode records the outcome of the randomized response drawn for a source at
// registration time.
type AttributionMode int

// Attribution modes.
const (
	// AttributionModeUnassigned means no randomized response has been drawn yet.
	AttributionModeUnassigned AttributionMode = iota
	// AttributionModeTruthfully means real triggers produce event reports.
	AttributionModeTruthfully
	// AttributionModeNever means the source was noised into producing no event reports.
	AttributionModeNever
	// AttributionModeFalsely means the source was noised into fake event reports only.
	AttributionModeFalsely
)

func (m AttributionMode) String() string {
	switch m {
	case AttributionModeUnassigned:
		return "UNASSIGNED"
	case AttributionModeTruthfully:
		return "TRUTHFULLY"
	case AttributionModeNever:
		return "NEVER"
	case AttributionModeFalsely:
		return "FALSELY"
	}
	return fmt.Sprintf("AttributionMode(%d)", int(m))
}

// TriggerStatus is the processing state of a trigger.
type TriggerStatus int

// Trigger statuses. A trigger leaves the pending state exactly once.
const (
	TriggerStatusPending TriggerStatus = iota
	TriggerStatusAttributed
	TriggerStatusIgnored
)

func (s TriggerStatus) String() string {
	switch s {
	case TriggerStatusPending:
		return "PENDING"
	case TriggerStatusAttributed:
		return "ATTRIBUTED"
	case TriggerStatusIgnored:
		return "IGNORED"
	}
	return fmt.Sprintf("TriggerStatus(%d)", int(s))
}

// ReportStatus is the delivery state of an event-level or aggregatable report.
type ReportStatus int

// Report statuses.
const (
	ReportStatusPending ReportStatus = iota
	ReportStatusDelivered
)

func (s ReportStatus) String() string {
	switch s {
	case ReportStatusPending:
		return "PENDING"
	case ReportStatusDelivered:
		return "DELIVERED"
	}
	return fmt.Sprintf("ReportStatus(%d)", int(s))
}

// Site returns the scheme and host of an origin or URL, which is the unit used for rate limits.
func Site(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URI", origin)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}
