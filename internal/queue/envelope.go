package queue

import (
	"fmt"

	"github.com/sockethub/sockethub/internal/codec"
	"github.com/sockethub/sockethub/internal/crypto"
	"github.com/sockethub/sockethub/internal/models"
)

// sealed is the at-rest form of job payloads and results.
type sealed struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ct"`
}

func seal(v any, secret string) ([]byte, error) {
	plaintext, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, iv, err := crypto.Encrypt(plaintext, secret, crypto.InfoJobs)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(sealed{IV: iv, Ciphertext: ct})
}

// open decrypts data into v. Every failure, including a wrong secret that
// happens to produce valid padding, is reported as ErrDecryptionFailed.
func open(data []byte, secret string, v any) error {
	var s sealed
	if err := codec.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: envelope: %v", crypto.ErrDecryptionFailed, err)
	}
	plaintext, err := crypto.Decrypt(s.Ciphertext, s.IV, secret, crypto.InfoJobs)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrDecryptionFailed, err)
	}
	return nil
}

// decodable reports whether res survives the decoding the producer applies
// to it. CBOR encodes values such as integer-keyed maps that the producer
// cannot read back into a JobResult.
func decodable(res *models.JobResult) error {
	b, err := codec.Marshal(res)
	if err != nil {
		return err
	}
	var back models.JobResult
	return codec.Unmarshal(b, &back)
}
