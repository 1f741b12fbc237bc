package privacy

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"waypoint/internal/types"
)

// blobVersion is authenticated together with the participant id, so a blob
// sealed under a future format cannot be opened by this code.
const blobVersion byte = 0x01

// MinSecretSize is the smallest master secret NewCipher accepts.
const MinSecretSize = 16

var hkdfInfoLocation = []byte("waypoint.location.v1")

var sampleEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Cipher seals location samples at rest. Every participant gets its own key
// derived from the master secret, and the participant id is bound as AEAD
// associated data.
type Cipher struct {
	secret []byte
}

func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("encryption secret is %d bytes, minimum is %d", len(secret), MinSecretSize)
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Cipher{secret: s}, nil
}

func (c *Cipher) deriveKey(participantID types.ID) ([]byte, error) {
	info := make([]byte, 0, len(hkdfInfoLocation)+1+len(participantID))
	info = append(info, hkdfInfoLocation...)
	info = append(info, 0)
	info = append(info, participantID...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving participant key: %w", err)
	}
	return key, nil
}

func buildAAD(participantID types.ID) []byte {
	aad := make([]byte, 0, 1+len(participantID))
	aad = append(aad, blobVersion)
	return append(aad, participantID...)
}

// Encrypt seals sample for participantID using XChaCha20-Poly1305.
func (c *Cipher) Encrypt(participantID types.ID, sample types.Sample) (EncryptedBlob, error) {
	if participantID == "" {
		return EncryptedBlob{}, fmt.Errorf("%w: missing participant id", types.ErrValidation)
	}
	plaintext, err := sampleEncMode.Marshal(sample)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("encoding sample: %w", err)
	}
	key, err := c.deriveKey(participantID)
	if err != nil {
		return EncryptedBlob{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedBlob{}, fmt.Errorf("generating random nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, buildAAD(participantID))
	split := len(sealed) - aead.Overhead()
	return EncryptedBlob{
		Ciphertext: sealed[:split],
		IV:         nonce,
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens a blob sealed for participantID. Any mismatch of key, tag or
// associated data yields types.ErrDecryption and no plaintext.
func (c *Cipher) Decrypt(participantID types.ID, blob EncryptedBlob) (types.Sample, error) {
	if len(blob.IV) != chacha20poly1305.NonceSizeX || len(blob.AuthTag) != chacha20poly1305.Overhead {
		return types.Sample{}, fmt.Errorf("%w: malformed blob", types.ErrDecryption)
	}
	key, err := c.deriveKey(participantID)
	if err != nil {
		return types.Sample{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return types.Sample{}, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.AuthTag))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.AuthTag...)

	plaintext, err := aead.Open(nil, blob.IV, sealed, buildAAD(participantID))
	if err != nil {
		return types.Sample{}, fmt.Errorf("%w: authentication failed", types.ErrDecryption)
	}
	var sample types.Sample
	if err := cbor.Unmarshal(plaintext, &sample); err != nil {
		return types.Sample{}, fmt.Errorf("%w: decoding sample", types.ErrDecryption)
	}
	return sample, nil
}
