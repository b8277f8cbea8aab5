// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Token sealing for the extra-data the phone transmits during the
// handshake. The sealed form is base64(nonce ‖ AEAD ciphertext) under
// the 32-byte symmetric key shared with the authenticated user's phone
// at pairing time.

// SealToken encrypts token under key.
func SealToken(key []byte, token string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("sealing token: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sealing token: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenToken decrypts a sealed token. Any failure — wrong key, truncated
// data, bad base64 — returns an error; callers treat that as "no token"
// rather than an authentication failure.
func OpenToken(key []byte, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("opening token: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("opening token: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("opening token: sealed data too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	token, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening token: %w", err)
	}
	return string(token), nil
}
