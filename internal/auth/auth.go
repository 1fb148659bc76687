// Package auth issues and verifies admin API keys. A key has the form
// sockethub_<prefix>_<secret>; the server keeps only the prefix and a hash
// of the secret.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	keyPrefix    = "sockethub_"
	prefixLength = 12
	secretLength = 43
)

const (
	prefixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	secretAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var ErrInvalidKeyFormat = errors.New("invalid API key format")

// Key is a parsed admin API key.
type Key struct {
	Prefix string
	Secret string
}

func (k Key) String() string {
	return keyPrefix + k.Prefix + "_" + k.Secret
}

// Hash is the digest of the secret part that verification compares with.
func (k Key) Hash() []byte {
	h := sha256.Sum256([]byte(k.Secret))
	return h[:]
}

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	prefix, err := randomString(prefixLength, prefixAlphabet)
	if err != nil {
		return Key{}, err
	}
	secret, err := randomString(secretLength, secretAlphabet)
	if err != nil {
		return Key{}, err
	}
	return Key{Prefix: prefix, Secret: secret}, nil
}

// ParseKey splits s into prefix and secret.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return Key{}, ErrInvalidKeyFormat
	}
	prefix, secret, ok := strings.Cut(rest, "_")
	if !ok || secret == "" || len(prefix) != prefixLength || !only(prefix, prefixAlphabet) {
		return Key{}, ErrInvalidKeyFormat
	}
	return Key{Prefix: prefix, Secret: secret}, nil
}

// Verifier checks presented keys against one configured admin key.
type Verifier struct {
	prefix string
	hash   []byte
}

// NewVerifier keeps the prefix and secret hash of key.
func NewVerifier(key string) (*Verifier, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return &Verifier{prefix: k.Prefix, hash: k.Hash()}, nil
}

// Verify reports whether presented is the configured key.
func (v *Verifier) Verify(presented string) bool {
	k, err := ParseKey(presented)
	if err != nil {
		return false
	}
	prefixOK := subtle.ConstantTimeCompare([]byte(k.Prefix), []byte(v.prefix))
	hashOK := subtle.ConstantTimeCompare(k.Hash(), v.hash)
	return prefixOK&hashOK == 1
}

// Middleware rejects requests without "Authorization: Bearer <key>" for
// the configured key.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !v.Verify(key) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// randomString draws n characters uniformly from alphabet, rejecting bytes
// that would bias the modulo.
func randomString(n int, alphabet string) (string, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func only(s, alphabet string) bool {
	for _, c := range s {
		if !strings.ContainsRune(alphabet, c) {
			return false
		}
	}
	return true
}
