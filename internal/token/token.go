// Package token generates session identifiers and secrets.
package token

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	socketIDLength = 20
	secretBytes    = 32
)

var charset = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// Generate returns n random characters from [a-z0-9].
func Generate(n int) (string, error) {
	b := make([]byte, n)
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = charset[int(randomBytes[i])%len(charset)]
	}
	return string(b), nil
}

// SocketID returns a new socket id.
func SocketID() (string, error) {
	return Generate(socketIDLength)
}

// Secret returns a new hex session secret.
func Secret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
