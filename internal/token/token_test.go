package token

import (
	"encoding/hex"
	"testing"
)

func TestGenerate(t *testing.T) {
	tok, err := Generate(12)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(tok) != 12 {
		t.Errorf("token length = %d, want 12", len(tok))
	}

	for _, c := range tok {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			t.Errorf("token contains invalid character: %c", c)
		}
	}
}

func TestSocketIDUniqueness(t *testing.T) {
	const n = 100
	ids := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		id, err := SocketID()
		if err != nil {
			t.Fatalf("SocketID failed: %v", err)
		}
		if len(id) != socketIDLength {
			t.Errorf("socket id length = %d, want %d", len(id), socketIDLength)
		}
		if ids[id] {
			t.Errorf("duplicate socket id generated: %s", id)
		}
		ids[id] = true
	}
}

func TestSecret(t *testing.T) {
	s, err := Secret()
	if err != nil {
		t.Fatalf("Secret failed: %v", err)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("secret is not hex: %v", err)
	}
	if len(raw) != secretBytes {
		t.Errorf("secret bytes = %d, want %d", len(raw), secretBytes)
	}
}
