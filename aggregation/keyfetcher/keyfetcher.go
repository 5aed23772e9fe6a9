// Copyright 2023 Google LLC
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

// Package keyfetcher fetches helper server public keys and caches them in the aggregation service
// storage.
package keyfetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	log "github.com/golang/glog"
	"github.com/google/differential-privacy/go/v2/rand"
	"github.com/google/privacy-sandbox-attribution-reporting/aggregation/aggregationstorage"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultKeyLifetime applies when the response has no usable Cache-Control max-age.
	DefaultKeyLifetime = 7 * 24 * time.Hour
	// KeyLength is the length of an X25519 public key.
	KeyLength = 32

	maxResponseBytes = 1 << 20
)

// PublicKeyInfo is one key in the helper server response.
type PublicKeyInfo struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type keysResponse struct {
	Keys []PublicKeyInfo `json:"keys"`
}

// ParseKeys parses a helper server response of the form {"keys": [{"id": ..., "key": <base64>}]}.
func ParseKeys(b []byte) ([]aggregationstorage.PublicKey, error) {
	var resp keysResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("parsing public keys: %w", err)
	}
	if len(resp.Keys) == 0 {
		return nil, fmt.Errorf("response has no public keys")
	}
	keys := make([]aggregationstorage.PublicKey, 0, len(resp.Keys))
	seen := make(map[string]bool)
	for _, k := range resp.Keys {
		if k.ID == "" {
			return nil, fmt.Errorf("public key without id")
		}
		if seen[k.ID] {
			return nil, fmt.Errorf("duplicate public key id %q", k.ID)
		}
		seen[k.ID] = true
		bKey, err := base64.StdEncoding.DecodeString(k.Key)
		if err != nil {
			return nil, fmt.Errorf("decoding public key %q: %w", k.ID, err)
		}
		if len(bKey) != KeyLength {
			return nil, fmt.Errorf("public key %q has %d bytes, want %d", k.ID, len(bKey), KeyLength)
		}
		keys = append(keys, aggregationstorage.PublicKey{ID: k.ID, Key: bKey})
	}
	return keys, nil
}

// ExpiryTime returns when keys fetched at fetchTime expire according to the Cache-Control header.
func ExpiryTime(header http.Header, fetchTime time.Time) time.Time {
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64); err == nil && seconds > 0 {
			return fetchTime.Add(time.Duration(seconds) * time.Second)
		}
	}
	return fetchTime.Add(DefaultKeyLifetime)
}

// Fetcher returns a public key for a helper server, fetching and storing the keyset when no
// unexpired key is stored.
type Fetcher struct {
	storage *aggregationstorage.Storage
	client  *http.Client
	clock   quartz.Clock
}

// New returns a Fetcher. A nil client retries failed requests.
func New(storage *aggregationstorage.Storage, clock quartz.Clock, client *http.Client) *Fetcher {
	if client == nil {
		rc := retryablehttp.NewClient()
		rc.Logger = nil
		rc.RetryMax = 3
		client = rc.StandardClient()
	}
	return &Fetcher{storage: storage, client: client, clock: clock}
}

// GetPublicKey returns a random unexpired key for url.
func (f *Fetcher) GetPublicKey(ctx context.Context, url string) (aggregationstorage.PublicKey, error) {
	keys, err := f.storage.GetPublicKeys(ctx, url)
	if err != nil {
		return aggregationstorage.PublicKey{}, err
	}
	if len(keys) == 0 {
		if keys, err = f.fetch(ctx, url); err != nil {
			return aggregationstorage.PublicKey{}, err
		}
	}
	return keys[rand.I63n(int64(len(keys)))], nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]aggregationstorage.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching public keys from %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching public keys from %q: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	keys, err := ParseKeys(body)
	if err != nil {
		return nil, err
	}

	fetchTime := f.clock.Now()
	keyset := aggregationstorage.PublicKeyset{Keys: keys, FetchTime: fetchTime, ExpiryTime: ExpiryTime(resp.Header, fetchTime)}
	if err := f.storage.SetPublicKeys(ctx, url, keyset); err != nil {
		return nil, err
	}
	log.V(1).Infof("fetched %d public keys from %q, expiring at %v", len(keys), url, keyset.ExpiryTime)
	return keys, nil
}
