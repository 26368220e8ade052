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

// Package unsignedlong contains the 64-bit unsigned integer type used for source event IDs,
// trigger data, deduplication keys and debug keys.
//
// Values are carried as decimal strings on the wire, since JSON consumers cannot represent the
// full unsigned range, and stored as the two's-complement signed integer with the same bits.
package unsignedlong

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// UnsignedLong is an unsigned 64-bit value. Equality is bit based, so the type can be used as a
// map key directly.
type UnsignedLong uint64

// FormatError is returned when a string is not a base-10 unsigned 64-bit integer.
type FormatError struct {
	Input string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%q is not a base-10 unsigned 64-bit integer", e.Input)
}

// Parse converts a decimal string into an UnsignedLong.
//
// Signs, whitespace and values above 2^64-1 are rejected.
func Parse(s string) (UnsignedLong, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, &FormatError{Input: s}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &FormatError{Input: s}
	}
	return UnsignedLong(v), nil
}

// MustParse is like Parse but panics on invalid input. It is meant for constants in tests.
func MustParse(s string) UnsignedLong {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromInt64 reinterprets the bits of a signed storage value.
func FromInt64(v int64) UnsignedLong {
	return UnsignedLong(uint64(v))
}

// Int64 returns the signed storage representation with the same bits.
func (u UnsignedLong) Int64() int64 {
	return int64(u)
}

// Uint64 returns the value as a native unsigned integer.
func (u UnsignedLong) Uint64() uint64 {
	return uint64(u)
}

// String renders the unsigned decimal value.
func (u UnsignedLong) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// Compare returns -1, 0 or 1 using unsigned ordering.
func (u UnsignedLong) Compare(other UnsignedLong) int {
	switch {
	case u < other:
		return -1
	case u > other:
		return 1
	}
	return 0
}

// Mod returns the value modulo n, which must be positive.
func (u UnsignedLong) Mod(n uint64) UnsignedLong {
	if n == 0 {
		panic("unsignedlong: modulo by zero")
	}
	return UnsignedLong(uint64(u) % n)
}

// MarshalJSON encodes the value as a decimal string.
func (u UnsignedLong) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a decimal string.
func (u *UnsignedLong) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return &FormatError{Input: string(b)}
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Optional converts a possibly absent value to the nullable signed storage representation.
func Optional(u *UnsignedLong) *int64 {
	if u == nil {
		return nil
	}
	v := u.Int64()
	return &v
}

// FromOptional is the inverse of Optional.
func FromOptional(v *int64) *UnsignedLong {
	if v == nil {
		return nil
	}
	u := FromInt64(*v)
	return &u
}
