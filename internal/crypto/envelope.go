package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCrypto marks vault misconfiguration or tampered ciphertext. Callers
// must treat it as fatal for the operation at hand, never for the process.
var ErrCrypto = errors.New("crypto failure")

// Envelope is the stored form of an encrypted credential: AES-256-GCM
// ciphertext plus the id of the master key that sealed it, so keys can be
// rotated without re-encrypting every row at once.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Manager seals and opens credential envelopes. It holds no mutable state
// after construction and is safe for concurrent use.
type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("%w: current key id is empty", ErrCrypto)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: keys map is empty", ErrCrypto)
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("%w: current key id %q not found", ErrCrypto, currentKeyID)
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: key %q must be 32 bytes", ErrCrypto, id)
		}
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) Encrypt(plaintext []byte) (Envelope, error) {
	key := m.keys[m.currentKeyID]
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: new cipher: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: new gcm: %v", ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (m *Manager) Decrypt(env Envelope) ([]byte, error) {
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrCrypto, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrCrypto, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// MarshalEncryptedString seals value and returns the envelope as a single
// opaque string suitable for an opaque DB column.
func (m *Manager) MarshalEncryptedString(value string) (string, error) {
	env, err := m.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: marshal envelope: %v", ErrCrypto, err)
	}
	return string(b), nil
}

func (m *Manager) UnmarshalEncryptedString(raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: unmarshal envelope: %v", ErrCrypto, err)
	}
	pt, err := m.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt opens raw with whichever key sealed it and seals it again with
// the current key. Used by credential rotation.
func (m *Manager) ReEncrypt(raw string) (string, error) {
	plain, err := m.UnmarshalEncryptedString(raw)
	if err != nil {
		return "", err
	}
	return m.MarshalEncryptedString(plain)
}

// Fingerprint returns a deterministic digest of a raw credential. Envelopes
// are nonce-randomized, so uniqueness of stored credentials is enforced on
// this digest instead of the ciphertext.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
