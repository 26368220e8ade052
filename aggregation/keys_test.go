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

package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/google/privacy-sandbox-measurement/encryption/cryptoio"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
)

func newCoordinator(t *testing.T, cacheControl string, fetches *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			atomic.AddInt32(fetches, 1)
		}
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		json.NewEncoder(w).Encode(cryptoio.CoordinatorKeys{Keys: []cryptoio.PublicKeyInfo{
			{ID: "key1", Key: "a2V5MQ=="},
			{ID: "key2", Key: "a2V5Mg=="},
		}})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestMaxAge(t *testing.T) {
	for _, tc := range []struct {
		header string
		want   time.Duration
		ok     bool
	}{
		{"max-age=3600", time.Hour, true},
		{"public, max-age=60, must-revalidate", time.Minute, true},
		{"Max-Age=\"10\"", 10 * time.Second, true},
		{"no-cache", 0, false},
		{"max-age=abc", 0, false},
		{"", 0, false},
	} {
		got, ok := maxAge(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("maxAge(%q): want (%v, %t), got (%v, %t)", tc.header, tc.want, tc.ok, got, ok)
		}
	}
}

func TestFetchKeys(t *testing.T) {
	server := newCoordinator(t, "max-age=3600", nil)
	fetcher := &KeyFetcher{Client: server.Client()}
	now := eventTime

	got, err := fetcher.Fetch(context.Background(), server.URL, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []reporttypes.AggregateEncryptionKey{
		{KeyID: "key1", PublicKey: "a2V5MQ==", Expiry: now.Add(time.Hour)},
		{KeyID: "key2", PublicKey: "a2V5Mg==", Expiry: now.Add(time.Hour)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchKeysErrors(t *testing.T) {
	ctx := context.Background()
	server := newCoordinator(t, "", nil)
	fetcher := &KeyFetcher{Client: server.Client()}
	if _, err := fetcher.Fetch(ctx, server.URL, eventTime); err == nil {
		t.Error("expect an error for a response without max-age")
	}
	if _, err := fetcher.Fetch(ctx, "http://coordinator.example/keys", eventTime); err == nil {
		t.Error("expect an error for a non-https coordinator")
	}
}

func TestKeyManagerCachesKeys(t *testing.T) {
	var fetches int32
	server := newCoordinator(t, "max-age=3600", &fetches)
	now := eventTime
	manager := NewKeyManager(&KeyFetcher{Client: server.Client()}, &MemoryKeyCache{}, server.URL, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key, err := manager.SelectKey(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if key.KeyID != "key1" && key.KeyID != "key2" {
			t.Fatalf("unexpected key %q", key.KeyID)
		}
	}
	if want, got := int32(1), atomic.LoadInt32(&fetches); want != got {
		t.Errorf("want %d fetch, got %d", want, got)
	}

	now = now.Add(time.Hour)
	keys, err := manager.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if k.Expired(now) {
			t.Errorf("key %q is expired at %v", k.KeyID, now)
		}
	}
	if want, got := int32(2), atomic.LoadInt32(&fetches); want != got {
		t.Errorf("want %d fetches after expiry, got %d", want, got)
	}
}

func TestKeyManagerNoKey(t *testing.T) {
	manager := NewKeyManager(NewKeyFetcher(), &MemoryKeyCache{}, "", nil)
	if _, err := manager.SelectKey(context.Background()); !errors.Is(err, ErrNoEncryptionKey) {
		t.Errorf("want error %v, got %v", ErrNoEncryptionKey, err)
	}

	server := newCoordinator(t, "max-age=0", nil)
	manager = NewKeyManager(&KeyFetcher{Client: server.Client()}, &MemoryKeyCache{}, server.URL, nil)
	if _, err := manager.SelectKey(context.Background()); !errors.Is(err, ErrNoEncryptionKey) {
		t.Errorf("want error %v for keys expiring immediately, got %v", ErrNoEncryptionKey, err)
	}
}

func writeKeyFile(t *testing.T, now time.Time) string {
	t.Helper()
	uri := filepath.Join(t.TempDir(), "public_keys.json")
	versions := map[string][]cryptoio.PublicKeyInfo{
		"v1": {
			{ID: "key1", Key: "a2V5MQ=="},
			{ID: "key2", Key: "a2V5Mg==", NotAfter: now.Add(10 * time.Minute).Format(time.RFC3339)},
			{ID: "expired", Key: "a2V5Mw==", NotAfter: now.Add(-time.Minute).Format(time.RFC3339)},
		},
		"v2": {
			{ID: "future", Key: "a2V5NA==", NotBefore: now.Add(time.Hour).Format(time.RFC3339)},
			{ID: "key3", Key: "a2V5NQ==", NotBefore: now.Add(-time.Hour).Format(time.RFC3339), NotAfter: now.Add(48 * time.Hour).Format(time.RFC3339)},
		},
	}
	if err := cryptoio.SavePublicKeyVersions(context.Background(), versions, uri); err != nil {
		t.Fatal(err)
	}
	return uri
}

func TestReadKeyFile(t *testing.T) {
	now := eventTime
	uri := writeKeyFile(t, now)

	got, err := ReadKeyFile(context.Background(), uri, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []reporttypes.AggregateEncryptionKey{
		{KeyID: "key1", PublicKey: "a2V5MQ==", Expiry: now.Add(DefaultKeyFileRefresh)},
		{KeyID: "key2", PublicKey: "a2V5Mg==", Expiry: now.Add(10 * time.Minute)},
		{KeyID: "key3", PublicKey: "a2V5NQ==", Expiry: now.Add(DefaultKeyFileRefresh)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyManagerReadsKeyFile(t *testing.T) {
	now := eventTime
	uri := writeKeyFile(t, now)
	manager := NewKeyManager(NewKeyFetcher(), &MemoryKeyCache{}, uri, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key, err := manager.SelectKey(ctx)
		if err != nil {
			t.Fatal(err)
		}
		switch key.KeyID {
		case "key1", "key2", "key3":
		default:
			t.Errorf("selected key %q is not valid at %v", key.KeyID, now)
		}
	}

	if _, err := NewKeyManager(NewKeyFetcher(), &MemoryKeyCache{}, filepath.Join(t.TempDir(), "missing.json"), nil).SelectKey(ctx); !errors.Is(err, ErrNoEncryptionKey) {
		t.Errorf("want error %v for a missing key file, got %v", ErrNoEncryptionKey, err)
	}
}

func TestRedisKeyCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisKeyCache(client, "")
	ctx := context.Background()
	now := eventTime

	got, err := cache.Get(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty cache, got %v", got)
	}

	keys := []reporttypes.AggregateEncryptionKey{
		{KeyID: "key1", PublicKey: "a2V5MQ==", Expiry: now.Add(time.Minute)},
		{KeyID: "key2", PublicKey: "a2V5Mg==", Expiry: now.Add(time.Hour)},
	}
	if err := cache.Put(ctx, keys, now); err != nil {
		t.Fatal(err)
	}
	if want, got := time.Hour, mr.TTL(DefaultRedisKey); want != got {
		t.Errorf("want TTL %v, got %v", want, got)
	}

	got, err = cache.Get(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(keys[1:], got); diff != "" {
		t.Errorf("unexpired keys mismatch (-want +got):\n%s", diff)
	}

	mr.FastForward(time.Hour)
	got, err = cache.Get(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("want keys evicted after TTL, got %v", got)
	}
}
