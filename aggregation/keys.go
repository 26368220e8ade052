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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"

	"github.com/google/privacy-sandbox-measurement/encryption/cryptoio"
	"github.com/google/privacy-sandbox-measurement/report/reporttypes"
)

// KeyFetcher downloads the public keys of the aggregation service coordinator.
type KeyFetcher struct {
	Client *http.Client
}

// NewKeyFetcher creates a KeyFetcher that retries transient failures.
func NewKeyFetcher() *KeyFetcher {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &KeyFetcher{Client: client.StandardClient()}
}

// maxAge returns the max-age directive of a Cache-Control header.
func maxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

// Fetch returns the keys served at coordinatorURL. The keys expire after the max-age of the
// response, counted from now.
func (f *KeyFetcher) Fetch(ctx context.Context, coordinatorURL string, now time.Time) ([]reporttypes.AggregateEncryptionKey, error) {
	u, err := url.Parse(coordinatorURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("coordinator URL %q must use https", coordinatorURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coordinatorURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %s", coordinatorURL, resp.Status)
	}
	age, ok := maxAge(resp.Header.Get("Cache-Control"))
	if !ok {
		return nil, fmt.Errorf("response from %s has no max-age", coordinatorURL)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var body cryptoio.CoordinatorKeys
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("invalid key response from %s: %w", coordinatorURL, err)
	}

	expiry := now.Add(age)
	keys := make([]reporttypes.AggregateEncryptionKey, 0, len(body.Keys))
	for _, k := range body.Keys {
		if k.ID == "" || k.Key == "" {
			return nil, fmt.Errorf("key response from %s has a key without id or key", coordinatorURL)
		}
		keys = append(keys, reporttypes.AggregateEncryptionKey{KeyID: k.ID, PublicKey: k.Key, Expiry: expiry})
	}
	return keys, nil
}

// DefaultKeyFileRefresh bounds how long keys read from a key file are cached.
const DefaultKeyFileRefresh = time.Hour

func parseKeyTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return t, nil
}

// ReadKeyFile reads the versioned public keys written by the key pair tool, locally or in GCS, and
// returns the keys valid at now. The not_before and not_after fields are RFC 3339 timestamps. The
// keys expire at their not_after, and at the latest DefaultKeyFileRefresh after now.
func ReadKeyFile(ctx context.Context, uri string, now time.Time) ([]reporttypes.AggregateEncryptionKey, error) {
	versions, err := cryptoio.ReadPublicKeyVersions(ctx, uri)
	if err != nil {
		return nil, err
	}
	versionIDs := make([]string, 0, len(versions))
	for v := range versions {
		versionIDs = append(versionIDs, v)
	}
	sort.Strings(versionIDs)

	var keys []reporttypes.AggregateEncryptionKey
	for _, v := range versionIDs {
		for _, info := range versions[v] {
			if info.ID == "" || info.Key == "" {
				return nil, fmt.Errorf("key file %s has a key without id or key in version %q", uri, v)
			}
			if info.NotBefore != "" {
				notBefore, err := parseKeyTime("not_before", info.NotBefore)
				if err != nil {
					return nil, err
				}
				if now.Before(notBefore) {
					continue
				}
			}
			expiry := now.Add(DefaultKeyFileRefresh)
			if info.NotAfter != "" {
				notAfter, err := parseKeyTime("not_after", info.NotAfter)
				if err != nil {
					return nil, err
				}
				if notAfter.Before(expiry) {
					expiry = notAfter
				}
			}
			keys = append(keys, reporttypes.AggregateEncryptionKey{KeyID: info.ID, PublicKey: info.Key, Expiry: expiry})
		}
	}
	return unexpired(keys, now), nil
}

// KeyCache stores fetched keys until they expire.
type KeyCache interface {
	// Get returns the cached keys that are unexpired at now.
	Get(ctx context.Context, now time.Time) ([]reporttypes.AggregateEncryptionKey, error)
	// Put replaces the cached keys.
	Put(ctx context.Context, keys []reporttypes.AggregateEncryptionKey, now time.Time) error
}

func unexpired(keys []reporttypes.AggregateEncryptionKey, now time.Time) []reporttypes.AggregateEncryptionKey {
	var out []reporttypes.AggregateEncryptionKey
	for _, k := range keys {
		if !k.Expired(now) {
			out = append(out, k)
		}
	}
	return out
}

// MemoryKeyCache is a KeyCache local to the process.
type MemoryKeyCache struct {
	mu   sync.Mutex
	keys []reporttypes.AggregateEncryptionKey
}

// Get implements KeyCache.
func (c *MemoryKeyCache) Get(_ context.Context, now time.Time) ([]reporttypes.AggregateEncryptionKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = unexpired(c.keys, now)
	return append([]reporttypes.AggregateEncryptionKey(nil), c.keys...), nil
}

// Put implements KeyCache.
func (c *MemoryKeyCache) Put(_ context.Context, keys []reporttypes.AggregateEncryptionKey, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append([]reporttypes.AggregateEncryptionKey(nil), keys...)
	return nil
}

// RedisKeyCache is a KeyCache shared by the instances of a deployment.
type RedisKeyCache struct {
	client *redis.Client
	key    string
}

// DefaultRedisKey is the Redis key holding the cached encryption keys.
const DefaultRedisKey = "measurement:aggregate_encryption_keys"

// NewRedisKeyCache creates a RedisKeyCache storing the keys under redisKey.
func NewRedisKeyCache(client *redis.Client, redisKey string) *RedisKeyCache {
	if redisKey == "" {
		redisKey = DefaultRedisKey
	}
	return &RedisKeyCache{client: client, key: redisKey}
}

// Get implements KeyCache.
func (c *RedisKeyCache) Get(ctx context.Context, now time.Time) ([]reporttypes.AggregateEncryptionKey, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached keys: %w", err)
	}
	var keys []reporttypes.AggregateEncryptionKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("invalid cached keys: %w", err)
	}
	return unexpired(keys, now), nil
}

// Put implements KeyCache. The entry lives until the last key expires.
func (c *RedisKeyCache) Put(ctx context.Context, keys []reporttypes.AggregateEncryptionKey, now time.Time) error {
	var ttl time.Duration
	for _, k := range keys {
		if d := k.Expiry.Sub(now); d > ttl {
			ttl = d
		}
	}
	if ttl <= 0 {
		return c.client.Del(ctx, c.key).Err()
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, ttl).Err()
}

// KeyManager returns unexpired aggregation service keys, fetching new ones when the cache has
// none. The coordinator URL is either served over https, or a key file read with ReadKeyFile.
type KeyManager struct {
	fetcher        *KeyFetcher
	cache          KeyCache
	coordinatorURL string
	now            func() time.Time
}

// NewKeyManager creates a KeyManager.
func NewKeyManager(fetcher *KeyFetcher, cache KeyCache, coordinatorURL string, now func() time.Time) *KeyManager {
	if now == nil {
		now = time.Now
	}
	return &KeyManager{
		fetcher:        fetcher,
		cache:          cache,
		coordinatorURL: coordinatorURL,
		now:            now,
	}
}

// Keys returns the unexpired keys.
func (m *KeyManager) Keys(ctx context.Context) ([]reporttypes.AggregateEncryptionKey, error) {
	now := m.now()
	keys, err := m.cache.Get(ctx, now)
	if err != nil {
		log.Warningf("key cache unavailable, fetching keys: %v", err)
	}
	if len(keys) > 0 {
		return keys, nil
	}
	if m.coordinatorURL == "" {
		return nil, ErrNoEncryptionKey
	}
	var fetched []reporttypes.AggregateEncryptionKey
	if strings.HasPrefix(m.coordinatorURL, "https://") || strings.HasPrefix(m.coordinatorURL, "http://") {
		fetched, err = m.fetcher.Fetch(ctx, m.coordinatorURL, now)
	} else {
		fetched, err = ReadKeyFile(ctx, m.coordinatorURL, now)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEncryptionKey, err)
	}
	keys = unexpired(fetched, now)
	if len(keys) == 0 {
		return nil, ErrNoEncryptionKey
	}
	if err := m.cache.Put(ctx, keys, now); err != nil {
		log.Warningf("failed to cache keys: %v", err)
	}
	return keys, nil
}

// SelectKey returns one of the unexpired keys at random.
func (m *KeyManager) SelectKey(ctx context.Context) (reporttypes.AggregateEncryptionKey, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return reporttypes.AggregateEncryptionKey{}, err
	}
	infos := make([]cryptoio.PublicKeyInfo, len(keys))
	for i, k := range keys {
		infos[i] = cryptoio.PublicKeyInfo{ID: k.KeyID, Key: k.PublicKey}
	}
	id, _, err := cryptoio.GetRandomPublicKey(infos)
	if err != nil {
		return reporttypes.AggregateEncryptionKey{}, fmt.Errorf("%w: %v", ErrNoEncryptionKey, err)
	}
	for _, k := range keys {
		if k.KeyID == id {
			return k, nil
		}
	}
	return reporttypes.AggregateEncryptionKey{}, fmt.Errorf("%w: selected key %q is not cached", ErrNoEncryptionKey, id)
}
