// Package auth verifies the externally-issued bearer credential presented
// on every request. Keys are consumed, never issued here; the dev issuer
// in this package exists only for local/docker profiles.
package auth

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/proctorhub/backend/internal/core"
)

// Claims is the verified identity a credential carries. The four identity
// claims bind every request to exactly one session tuple.
type Claims struct {
	core.Identity
}

// KeySource resolves the verification key for a token. kid is empty for
// tokens without a key-id header.
type KeySource interface {
	Key(kid string) (*rsa.PublicKey, error)
}

// Verifier checks RS256 signatures and extracts identity claims.
type Verifier struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewVerifier builds a verifier over the given key source. Only RS256 is
// accepted; any other algorithm (including none) is rejected before key
// lookup.
func NewVerifier(keys KeySource) *Verifier {
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates the raw bearer token and returns its identity
// claims. All failures map to credential_invalid.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(kid)
	})
	if err != nil {
		return nil, core.Wrap(core.KindCredentialInvalid, err, "verify token")
	}
	return claimsFromMap(claims)
}

func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	tenantID, _ := m["tenant_id"].(string)
	examScheduleID, _ := m["exam_schedule_id"].(string)
	userID, _ := m["user_id"].(string)

	var attemptNo int
	switch v := m["attempt_no"].(type) {
	case float64:
		attemptNo = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, core.Fail(core.KindCredentialInvalid, "attempt_no is not an integer")
		}
		attemptNo = int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, core.Fail(core.KindCredentialInvalid, "attempt_no is not an integer")
		}
		attemptNo = n
	default:
		return nil, core.Fail(core.KindCredentialInvalid, "missing attempt_no claim")
	}

	if tenantID == "" || examScheduleID == "" || userID == "" {
		return nil, core.Fail(core.KindCredentialInvalid, "missing identity claims")
	}

	return &Claims{Identity: core.Identity{
		TenantID:       tenantID,
		ExamScheduleID: examScheduleID,
		UserID:         userID,
		AttemptNo:      attemptNo,
	}}, nil
}

// StaticKey is a KeySource holding a single PEM public key. The kid is
// ignored: whatever key the file held at load time verifies everything.
type StaticKey struct {
	key *rsa.PublicKey
}

// LoadStaticKey reads an RSA public key in PEM form.
func LoadStaticKey(path string) (*StaticKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return &StaticKey{key: key}, nil
}

func (s *StaticKey) Key(string) (*rsa.PublicKey, error) { return s.key, nil }

// KeySet resolves keys by kid from a JSON file of the form
// {"keys":[{"kid":"2024-09","pem":"-----BEGIN PUBLIC KEY-----..."}]}.
// An unknown kid triggers one reload so rotation needs no restart.
type KeySet struct {
	path string

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// LoadKeySet reads and parses the key-set file.
func LoadKeySet(path string) (*KeySet, error) {
	ks := &KeySet{path: path}
	if err := ks.reload(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeySet) Key(kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	// Unknown kid: the set may have rotated since load.
	if err := ks.reload(); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	key, ok = ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return key, nil
}

func (ks *KeySet) reload() error {
	raw, err := os.ReadFile(ks.path)
	if err != nil {
		return fmt.Errorf("read key set %s: %w", ks.path, err)
	}
	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			PEM string `json:"pem"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse key set %s: %w", ks.path, err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(entry.PEM))
		if err != nil {
			return fmt.Errorf("parse key %q: %w", entry.Kid, err)
		}
		keys[entry.Kid] = key
	}
	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	return nil
}
