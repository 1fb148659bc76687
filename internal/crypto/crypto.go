// Package crypto derives per-session secrets and encrypts records and job
// payloads at rest in the shared store.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/sockethub/sockethub/internal/codec"
)

// ErrDecryptionFailed covers both a secret mismatch and corrupted input.
// Callers must not retry: the same secret cannot succeed the second time.
var ErrDecryptionFailed = errors.New("decryption failed")

// HKDF info labels. Credentials and job payloads derived from the same
// secret never share an AES key.
const (
	InfoCredentials = "sockethub credentials v1"
	InfoJobs        = "sockethub jobs v1"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

// Derive combines the process-wide parent secret with a per-connection
// session secret. The result is a one-way keyed hash: it exposes neither
// input nor any other session's derived secret.
func Derive(parentSecret, sessionSecret string) string {
	mac := hmac.New(sha256.New, []byte(parentSecret))
	mac.Write([]byte(sessionSecret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Key expands secret into a 32-byte AES-256 key bound to info.
func Key(secret, info string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-CBC under a fresh random IV. Both
// ciphertext and IV are returned base64-encoded for storage.
func Encrypt(plaintext []byte, secret, info string) (ciphertext, iv string, err error) {
	key, err := Key(secret, info)
	if err != nil {
		return "", "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("new cipher: %w", err)
	}

	ivBytes := make([]byte, ivSize)
	if _, err := rand.Read(ivBytes); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, ivBytes).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), base64.StdEncoding.EncodeToString(ivBytes), nil
}

// Decrypt reverses Encrypt. A wrong secret almost always surfaces as bad
// padding; when the padding happens to validate the caller's decoder sees
// garbage and must report ErrDecryptionFailed itself.
func Decrypt(ciphertext, iv, secret, info string) ([]byte, error) {
	key, err := Key(secret, info)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding: %v", ErrDecryptionFailed, err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: iv encoding: %v", ErrDecryptionFailed, err)
	}
	if len(ivBytes) != ivSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryptionFailed, len(ivBytes))
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptionFailed, len(ct))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, ivBytes).CryptBlocks(out, ct)

	plain, err := unpad(out)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// Hash returns a deterministic BLAKE3 digest of v's canonical CBOR form.
// Equal values hash equally regardless of map ordering.
func Hash(v any) (string, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for hashing: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// InstanceID identifies the platform instance serving actor on platform.
// Hashing keeps ids fixed-length and keeps actor identities out of logs.
func InstanceID(platform, actor string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(platform))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(actor))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
		}
	}
	return b[:len(b)-n], nil
}
