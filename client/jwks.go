package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

// keyCache holds the provider's public signing keys indexed by key id.
type keyCache struct {
	client *Client
	ttl    time.Duration

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time

	// group collapses concurrent refreshes into one JWKS request
	group singleflight.Group
}

func newKeyCache(c *Client, ttl time.Duration) *keyCache {
	return &keyCache{client: c, ttl: ttl, keys: make(map[string]jose.JSONWebKey)}
}

// Key returns the public key for kid, refreshing the JWKS when the key is
// unknown or the cached set is stale.
func (c *Client) Key(ctx context.Context, kid string) (any, error) {
	key, err := c.keys.get(ctx, kid)
	if err != nil {
		return nil, err
	}
	return key.Key, nil
}

func (kc *keyCache) lookup(kid string) (jose.JSONWebKey, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	key, ok := kc.keys[kid]
	if !ok || kc.client.now().Sub(kc.fetchedAt) >= kc.ttl {
		return jose.JSONWebKey{}, false
	}
	return key, true
}

func (kc *keyCache) get(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	if key, ok := kc.lookup(kid); ok {
		return key, nil
	}

	// The shared fetch outlives any single caller; each caller only stops
	// waiting when its own context ends.
	ch := kc.group.DoChan("jwks", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if _, ok := kc.lookup(kid); ok {
			return nil, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kc.client.cfg.HTTPTimeout)
		defer cancel()
		return nil, kc.refresh(fctx)
	})
	select {
	case <-ctx.Done():
		return jose.JSONWebKey{}, fmt.Errorf("fetch jwks: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return jose.JSONWebKey{}, res.Err
		}
	}

	kc.mu.RLock()
	key, ok := kc.keys[kid]
	kc.mu.RUnlock()
	if !ok {
		return jose.JSONWebKey{}, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
	}
	return key, nil
}

func (kc *keyCache) refresh(ctx context.Context) error {
	ep, err := kc.client.endpoints(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.jwks, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := kc.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: %w: %s", ErrProviderUnavailable, resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w: %v", ErrProviderUnavailable, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		keys[k.KeyID] = k
	}

	kc.mu.Lock()
	kc.keys = keys
	kc.fetchedAt = kc.client.now()
	kc.mu.Unlock()

	kc.client.logger.Debug("jwks refreshed", "keys", len(keys), "url", ep.jwks)
	return nil
}
