package privacy

import (
	"bytes"
	"errors"
	"testing"

	"waypoint/internal/types"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	blob, err := c.Encrypt("alice", nyc)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(blob.IV) != 24 || len(blob.AuthTag) != 16 {
		t.Fatalf("unexpected blob layout: iv=%d tag=%d", len(blob.IV), len(blob.AuthTag))
	}
	got, err := c.Decrypt("alice", blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got.Lat != nyc.Lat || got.Lng != nyc.Lng || got.AccuracyMeters != nyc.AccuracyMeters || !got.CapturedAt.Equal(nyc.CapturedAt) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, nyc)
	}
}

func TestCipher_WrongParticipantFails(t *testing.T) {
	c := newTestCipher(t)
	blob, err := c.Encrypt("alice", nyc)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := c.Decrypt("bob", blob)
	if !errors.Is(err, types.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	if got != (types.Sample{}) {
		t.Fatalf("failed decrypt must not return data: %+v", got)
	}
}

func TestCipher_TamperedFails(t *testing.T) {
	c := newTestCipher(t)
	blob, _ := c.Encrypt("alice", nyc)

	tampered := blob
	tampered.Ciphertext = bytes.Clone(blob.Ciphertext)
	tampered.Ciphertext[0] ^= 0xff
	if _, err := c.Decrypt("alice", tampered); !errors.Is(err, types.ErrDecryption) {
		t.Fatalf("tampered ciphertext: expected ErrDecryption, got %v", err)
	}

	short := blob
	short.AuthTag = blob.AuthTag[:8]
	if _, err := c.Decrypt("alice", short); !errors.Is(err, types.ErrDecryption) {
		t.Fatalf("short tag: expected ErrDecryption, got %v", err)
	}
}

func TestCipher_DifferentSecretFails(t *testing.T) {
	a := newTestCipher(t)
	b, _ := NewCipher([]byte("fedcba9876543210fedcba9876543210"))
	blob, _ := a.Encrypt("alice", nyc)
	if _, err := b.Decrypt("alice", blob); !errors.Is(err, types.ErrDecryption) {
		t.Fatalf("expected ErrDecryption under another secret, got %v", err)
	}
}

func TestNewCipher_ShortSecret(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestCipher_NoncesDiffer(t *testing.T) {
	c := newTestCipher(t)
	a, _ := c.Encrypt("alice", nyc)
	b, _ := c.Encrypt("alice", nyc)
	if bytes.Equal(a.IV, b.IV) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("two encryptions of the same sample should not be identical")
	}
}
