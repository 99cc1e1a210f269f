// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package envelope implements the symmetric encryption used by eWeLink LAN
// mode payloads.
//
// The cipher is AES-128-CBC with PKCS7 padding. The key is the raw 16 byte
// MD5 digest of the device key. Hex-encoding the digest before use would give
// a 32 byte key and silently select AES-256, which the devices do not speak.
//
// There is no authentication tag. Decrypt detects structural corruption
// (bad base64, wrong IV size, broken padding) but not tampering.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" // #nosec G501 -- key derivation mandated by the device firmware
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
)

// IVSize is the size of the CBC initialisation vector.
const IVSize = aes.BlockSize

var (
	// ErrInvalidIV is wrapped by Decrypt when the IV is not 16 bytes of base64.
	ErrInvalidIV = errors.New("iv must be 16 base64-encoded bytes")

	// ErrInvalidPadding is wrapped by Decrypt when PKCS7 padding is malformed.
	ErrInvalidPadding = errors.New("invalid PKCS7 padding")

	// ErrInvalidCiphertext is wrapped by Decrypt when the ciphertext is not
	// a non-empty multiple of the block size.
	ErrInvalidCiphertext = errors.New("ciphertext is not a multiple of the block size")
)

// Envelope is one encrypted unit as it travels on the wire.
type Envelope struct {
	Ciphertext []byte
	IV         [IVSize]byte
}

// CiphertextBase64 returns the ciphertext in the form sent to devices.
func (e *Envelope) CiphertextBase64() string {
	return base64.StdEncoding.EncodeToString(e.Ciphertext)
}

// IVBase64 returns the IV in the form sent to devices.
func (e *Envelope) IVBase64() string {
	return base64.StdEncoding.EncodeToString(e.IV[:])
}

// DeriveKey returns the 16 byte AES key for a device secret.
func DeriveKey(secret string) []byte {
	sum := md5.Sum([]byte(secret)) // #nosec G401
	return sum[:]
}

// randReader is swapped in tests to make IV generation deterministic.
var randReader io.Reader = rand.Reader

// Encrypt seals plaintext under the key derived from secret with a fresh IV.
func Encrypt(plaintext, secret string) (*Envelope, error) {
	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	env := &Envelope{}
	if _, err := io.ReadFull(randReader, env.IV[:]); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	env.Ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, env.IV[:]).CryptBlocks(env.Ciphertext, padded)

	return env, nil
}

// Decrypt opens base64 ciphertext with the base64 IV. All failures are
// returned as *errors.DecryptError.
func Decrypt(ciphertextB64, secret, ivB64 string) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", bridgeerrors.NewDecryptError(fmt.Errorf("%w: %v", ErrInvalidIV, err))
	}
	if len(iv) != IVSize {
		return "", bridgeerrors.NewDecryptError(fmt.Errorf("%w: got %d bytes", ErrInvalidIV, len(iv)))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", bridgeerrors.NewDecryptError(fmt.Errorf("invalid ciphertext encoding: %w", err))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", bridgeerrors.NewDecryptError(fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(ciphertext)))
	}

	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return "", bridgeerrors.NewDecryptError(fmt.Errorf("failed to create cipher: %w", err))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", bridgeerrors.NewDecryptError(err)
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
