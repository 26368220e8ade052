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

package unsignedlong

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseRoundTrip(t *testing.T) {
	for _, want := range []string{
		"0",
		"1",
		"9223372036854775807",  // 2^63-1
		"9223372036854775808",  // 2^63
		"18446744073709551615", // 2^64-1
	} {
		u, err := Parse(want)
		if err != nil {
			t.Fatalf("Parse(%q) = %s", want, err)
		}
		if got := u.String(); got != want {
			t.Errorf("want %q, got %q", want, got)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"-1",
		"+1",
		" 1",
		"1 ",
		"0x10",
		"1.5",
		"abc",
		"18446744073709551616", // 2^64
	} {
		_, err := Parse(input)
		var formatErr *FormatError
		if !errors.As(err, &formatErr) {
			t.Errorf("Parse(%q): want FormatError, got %v", input, err)
		}
	}
}

func TestSignedStorage(t *testing.T) {
	u := MustParse("18446744073709551615")
	if want, got := int64(-1), u.Int64(); want != got {
		t.Fatalf("want signed representation %d, got %d", want, got)
	}
	if want, got := u, FromInt64(-1); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}

	u = MustParse("9223372036854775808")
	if want, got := int64(math.MinInt64), u.Int64(); want != got {
		t.Fatalf("want signed representation %d, got %d", want, got)
	}
	if want, got := "9223372036854775808", FromInt64(math.MinInt64).String(); want != got {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestCompareIsUnsigned(t *testing.T) {
	small, large := MustParse("1"), MustParse("18446744073709551615")
	if want, got := -1, small.Compare(large); want != got {
		t.Errorf("Compare() = %d, want %d", got, want)
	}
	if want, got := 1, large.Compare(small); want != got {
		t.Errorf("Compare() = %d, want %d", got, want)
	}
	if want, got := 0, large.Compare(FromInt64(-1)); want != got {
		t.Errorf("Compare() = %d, want %d", got, want)
	}
}

func TestMapKey(t *testing.T) {
	seen := map[UnsignedLong]bool{MustParse("18446744073709551615"): true}
	if !seen[FromInt64(-1)] {
		t.Fatal("expect values with the same bits to be the same key")
	}
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Key   UnsignedLong  `json:"key"`
		Debug *UnsignedLong `json:"debug,omitempty"`
	}
	debug := MustParse("12")
	want := wrapper{Key: MustParse("18446744073709551615"), Debug: &debug}
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if wantStr, got := `{"key":"18446744073709551615","debug":"12"}`, string(b); wantStr != got {
		t.Fatalf("want %s, got %s", wantStr, got)
	}
	var got wrapper
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded value mismatch (-want +got):\n%s", diff)
	}

	if err := json.Unmarshal([]byte(`{"key":12}`), &got); err == nil {
		t.Error("expect error for a numeric JSON value")
	}
}

func TestOptional(t *testing.T) {
	if Optional(nil) != nil || FromOptional(nil) != nil {
		t.Fatal("expect nil for absent values")
	}
	u := MustParse("18446744073709551615")
	got := FromOptional(Optional(&u))
	if got == nil || *got != u {
		t.Fatalf("want %s, got %v", u, got)
	}
}
