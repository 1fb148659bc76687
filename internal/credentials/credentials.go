// Package credentials keeps per-actor credentials encrypted in the shared
// store, scoped to one client session.
//
// Records are encrypted under a key derived from the session's secret, so
// two stores built for the same session namespace with different secrets
// cannot read each other's records.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/codec"
	"github.com/sockethub/sockethub/internal/crypto"
	"github.com/sockethub/sockethub/internal/models"
)

// ErrNotFound is returned when no record exists for the actor or the stored
// record is not the version the caller expects.
var ErrNotFound = errors.New("credentials not found")

// KV is the subset of the shared store the credential store needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// Store reads and writes credential records for one session.
type Store struct {
	kv     KV
	prefix string
	secret string
	logger *zap.Logger
}

// Namespace returns the key prefix under which a session's records live.
func Namespace(parentID, sessionID string) string {
	return "sockethub:" + parentID + ":" + sessionID + ":store:"
}

// New returns a store for sessionID. secret is the session's derived secret
// (see crypto.Derive).
func New(kv KV, parentID, sessionID, secret string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:     kv,
		prefix: Namespace(parentID, sessionID),
		secret: secret,
		logger: logger,
	}
}

// Save encrypts creds and stores them for actorID, replacing any previous
// record. It returns the content hash callers present to Get.
func (s *Store) Save(ctx context.Context, actorID string, creds *models.Credentials) (string, error) {
	if actorID == "" {
		return "", errors.New("save credentials: actor id is required")
	}
	if creds == nil {
		return "", errors.New("save credentials: nil credentials")
	}

	hash, err := crypto.Hash(creds)
	if err != nil {
		return "", fmt.Errorf("save credentials: %w", err)
	}
	plaintext, err := codec.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("save credentials: encode: %w", err)
	}
	// Get re-hashes what it decodes, so a record must read back to the
	// same hash or it could never be returned.
	var back models.Credentials
	if err := codec.Unmarshal(plaintext, &back); err != nil {
		return "", fmt.Errorf("save credentials: object not storable: %w", err)
	}
	if h, err := crypto.Hash(&back); err != nil || h != hash {
		return "", errors.New("save credentials: object does not read back unchanged")
	}
	ciphertext, iv, err := crypto.Encrypt(plaintext, s.secret, crypto.InfoCredentials)
	if err != nil {
		return "", fmt.Errorf("save credentials: %w", err)
	}

	record, err := json.Marshal(models.CredentialRecord{
		ActorID:     actorID,
		Ciphertext:  ciphertext,
		IV:          iv,
		ContentHash: hash,
	})
	if err != nil {
		return "", fmt.Errorf("save credentials: encode record: %w", err)
	}
	if err := s.kv.Set(ctx, s.prefix+actorID, record); err != nil {
		return "", fmt.Errorf("save credentials: %w", err)
	}

	s.logger.Debug("credentials saved", zap.String("hash", hash))
	return hash, nil
}

// Get returns the credentials stored for actorID. When expectedHash is not
// empty it must match the stored content hash, otherwise ErrNotFound is
// returned and the caller should re-read the current hash. A record that
// cannot be decrypted with this store's secret yields
// crypto.ErrDecryptionFailed.
func (s *Store) Get(ctx context.Context, actorID, expectedHash string) (*models.Credentials, error) {
	raw, ok, err := s.kv.Get(ctx, s.prefix+actorID)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var record models.CredentialRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("get credentials: %w: malformed record", crypto.ErrDecryptionFailed)
	}
	if expectedHash != "" && record.ContentHash != expectedHash {
		return nil, fmt.Errorf("%w: hash mismatch", ErrNotFound)
	}

	plaintext, err := crypto.Decrypt(record.Ciphertext, record.IV, s.secret, crypto.InfoCredentials)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	var creds models.Credentials
	if err := codec.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("get credentials: %w: %v", crypto.ErrDecryptionFailed, err)
	}
	// Padding can validate under the wrong key; the hash cannot.
	hash, err := crypto.Hash(&creds)
	if err != nil || hash != record.ContentHash {
		return nil, fmt.Errorf("get credentials: %w: content hash mismatch", crypto.ErrDecryptionFailed)
	}
	return &creds, nil
}

// Purge removes every record of this session.
func (s *Store) Purge(ctx context.Context) error {
	n, err := s.kv.DeletePrefix(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	s.logger.Debug("credentials purged", zap.Int64("records", n))
	return nil
}
