package feed

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var errBadPadding = errors.New("bad PKCS#7 padding")

type payloadKey struct {
	key []byte
	iv  []byte
}

// AESPayloads decrypts AES-256-CBC, base64-encoded payloads using the key and
// IV the provider hands out in each subscribe acknowledgement.
type AESPayloads struct {
	mu   sync.RWMutex
	keys map[MessageKind]payloadKey
}

// NewAESPayloads creates an empty key store.
func NewAESPayloads() *AESPayloads {
	return &AESPayloads{keys: make(map[MessageKind]payloadKey)}
}

// SetKey records key material for kind. key must be 32 bytes, iv 16.
func (a *AESPayloads) SetKey(kind MessageKind, key, iv string) error {
	if len(key) != 32 {
		return fmt.Errorf("feed: aes key for %s is %d bytes, want 32", kind, len(key))
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("feed: aes iv for %s is %d bytes, want %d", kind, len(iv), aes.BlockSize)
	}
	a.mu.Lock()
	a.keys[kind] = payloadKey{key: []byte(key), iv: []byte(iv)}
	a.mu.Unlock()
	return nil
}

// Payload implements PayloadStrategy.
func (a *AESPayloads) Payload(kind MessageKind, encrypted bool, payload string) (string, error) {
	if !encrypted {
		return payload, nil
	}
	a.mu.RLock()
	k, ok := a.keys[kind]
	a.mu.RUnlock()
	if !ok {
		return "", errEncryptedFrame
	}
	return decryptCBC(k.key, k.iv, payload)
}

func decryptCBC(key, iv []byte, payload string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of %d", len(ct), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pt, err = unpad(pt)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errBadPadding
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errBadPadding
	}
	return b[:len(b)-n], nil
}
