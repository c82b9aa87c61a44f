package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const jwksRefreshInterval = 24 * time.Hour

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// keySet caches the issuer's RSA keys by kid.
type keySet struct {
	url    string
	client *http.Client

	mu    sync.RWMutex
	jwks  *JWKS
	cache map[string]*rsa.PublicKey
}

func newKeySet(issuerURL string, client *http.Client) *keySet {
	return &keySet{
		url:    strings.TrimRight(issuerURL, "/") + "/.well-known/jwks.json",
		client: client,
		cache:  make(map[string]*rsa.PublicKey),
	}
}

func (k *keySet) refresh(ctx context.Context) error {
	slog.Debug("[AUTH] Fetching JWKS", "url", k.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	k.mu.Lock()
	k.jwks = &jwks
	k.cache = make(map[string]*rsa.PublicKey)
	k.mu.Unlock()

	slog.Info("[AUTH] JWKS loaded", "keys", len(jwks.Keys))
	return nil
}

// refreshLoop keeps keys current until ctx is done.
func (k *keySet) refreshLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.refresh(ctx); err != nil {
				slog.Error("[AUTH] Error refreshing JWKS", "error", err)
			}
		}
	}
}

func (k *keySet) publicKey(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.cache[kid]
	jwks := k.jwks
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	if jwks == nil {
		return nil, errors.New("JWKS not initialized")
	}

	for _, jwk := range jwks.Keys {
		if jwk.Kid != kid {
			continue
		}
		key, err := jwkToPublicKey(jwk)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.cache[kid] = key
		k.mu.Unlock()
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

func jwkToPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
