package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksRefreshInterval bounds how often a cache miss is allowed to trigger
// a re-fetch, so a client hammering an unknown kid cannot turn into a
// hammering of the issuer's JWKS endpoint.
const jwksRefreshInterval = 30 * time.Second

// rawJWK is one entry of a JWKS document's "keys" array, covering the
// RSA and EC fields this gateway understands.
type rawJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwksDoc struct {
	Keys []rawJWK `json:"keys"`
}

// JWKSCache fetches a JWKS document over HTTP and caches its keys by kid,
// refreshing on a cache miss (a key rotation is assumed to introduce a new
// kid before removing the old one, per standard rotation practice).
type JWKSCache struct {
	url        string
	httpClient *http.Client

	mu          sync.RWMutex
	keys        map[string]interface{}
	lastFetched time.Time
}

// NewJWKSCache constructs a JWKSCache pointed at url. The first KeyFunc
// call triggers the first fetch; the cache is otherwise empty until then.
func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]interface{}),
	}
}

// KeyFunc resolves the verification key for token by its `kid` header,
// refreshing the cache at most once per jwksRefreshInterval on a miss.
// Satisfies the identity.KeyFunc signature for NewOIDCVerifier.
func (c *JWKSCache) KeyFunc(ctx context.Context, token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unsupported signing method %v", token.Header["alg"])
	}

	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("no JWKS key found for kid %q", kid)
}

func (c *JWKSCache) lookup(kid string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok
}

// refresh re-fetches the JWKS document, replacing the cached key set. It
// is a no-op if the cache was already refreshed within
// jwksRefreshInterval, so a burst of cache misses for the same unknown
// kid collapses into a single fetch.
func (c *JWKSCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastFetched) < jwksRefreshInterval {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("malformed JWKS document: %w", err)
	}

	keys := make(map[string]interface{}, len(doc.Keys))
	for _, jwk := range doc.Keys {
		key, err := jwk.publicKey()
		if err != nil {
			continue
		}
		keys[jwk.Kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetched = time.Now()
	c.mu.Unlock()
	return nil
}

// publicKey decodes one JWKS entry into a crypto public key, supporting
// RSA ("RSA", used by RS256) and EC P-256 ("EC"/"P-256", used by ES256).
func (k rawJWK) publicKey() (interface{}, error) {
	switch k.Kty {
	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decoding RSA modulus: %w", err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decoding RSA exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(nb),
			E: int(new(big.Int).SetBytes(eb).Int64()),
		}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported EC curve %q", k.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decoding EC x: %w", err)
		}
		yb, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decoding EC y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}
