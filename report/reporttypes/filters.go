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

package reporttypes

// SourceTypeFilterKey is the reserved filter key whose value is the source type.
const SourceTypeFilterKey = "source_type"

// FilterMap maps a filter key to the list of values registered for it.
type FilterMap map[string][]string

// FilterSet is a disjunction of filter maps. An empty set matches everything.
type FilterSet []FilterMap

// matchFilterMap evaluates one trigger filter map against the source filter data.
//
// Keys absent from the source are ignored. For a positive filter each shared key must have at least
// one common value; for a negative filter no shared key may have a common value. An empty trigger
// value list matches a positive filter only when the source list is also empty, and a negative
// filter only when the source list is not.
func matchFilterMap(source, trigger FilterMap, positive bool) bool {
	for key, triggerValues := range trigger {
		sourceValues, ok := source[key]
		if !ok {
			continue
		}
		if len(triggerValues) == 0 {
			if positive != (len(sourceValues) == 0) {
				return false
			}
			continue
		}
		if intersects(sourceValues, triggerValues) != positive {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func matchFilterSet(source FilterMap, set FilterSet, positive bool) bool {
	if len(set) == 0 {
		return true
	}
	for _, m := range set {
		if matchFilterMap(source, m, positive) {
			return true
		}
	}
	return false
}

// MatchFilters reports whether the source filter data satisfies both the trigger filters and
// not_filters.
func MatchFilters(source FilterMap, filters, notFilters FilterSet) bool {
	return matchFilterSet(source, filters, true) && matchFilterSet(source, notFilters, false)
}

// Clone returns a deep copy of the filter map.
func (m FilterMap) Clone() FilterMap {
	if m == nil {
		return nil
	}
	out := make(FilterMap, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
