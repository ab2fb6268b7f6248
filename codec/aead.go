package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"heckel.io/rpipe/crypto"
)

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	switch c {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, errors.Wrapf(ErrFormat, "unknown cipher %d", c)
}

// seal encrypts plaintext and returns the payload salt|nonce|ciphertext+tag
func seal(aead cipher.AEAD, salt []byte, plaintext []byte, ad []byte) ([]byte, error) {
	out := make([]byte, len(salt)+aead.NonceSize(), len(salt)+aead.NonceSize()+len(plaintext)+aead.Overhead())
	copy(out, salt)
	nonce := out[len(salt):]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, ad), nil
}

// keyCache remembers the scrypt-derived keys per salt. All chunks of a stream share one salt,
// so a decoder derives the key once per stream instead of once per chunk.
type keyCache struct {
	password []byte
	keys     map[string][]byte
	mu       sync.Mutex
}

func newKeyCache(password []byte) *keyCache {
	return &keyCache{
		password: password,
		keys:     make(map[string][]byte),
	}
}

func (c *keyCache) key(salt []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[string(salt)]; ok {
		return key, nil
	}
	key, err := crypto.DeriveCipherKey(c.password, salt)
	if err != nil {
		return nil, err
	}
	c.keys[string(salt)] = key
	return key, nil
}

// open splits the payload into salt, nonce and sealed data and decrypts it
func (c *keyCache) open(ci Cipher, payload []byte, ad []byte) ([]byte, error) {
	if len(payload) < crypto.CipherSaltLenBytes {
		return nil, errors.Wrap(ErrFormat, "encrypted payload too short")
	}
	salt, rest := payload[:crypto.CipherSaltLenBytes], payload[crypto.CipherSaltLenBytes:]
	key, err := c.key(salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(ci, key)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.Wrap(ErrFormat, "encrypted payload too short")
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
