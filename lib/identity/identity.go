// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Service is the daemon's long-term identity. Immutable once loaded;
// sessions share one instance read-only.
type Service struct {
	name       string
	privateKey *ecdsa.PrivateKey
	publicDER  []byte
	commitment [32]byte
}

// Load reads the service identity key pair from DER files: the public
// key in PKIX form, the private key in SEC1 EC form. Key generation is
// deliberately not done here — pairing tooling owns key creation, and
// an authentication daemon must never mint an identity on the fly.
func Load(name, publicPath, privatePath string) (*Service, error) {
	publicBytes, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("reading service public key: %w", err)
	}
	parsedPublic, err := x509.ParsePKIXPublicKey(publicBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing service public key: %w", err)
	}
	publicKey, ok := parsedPublic.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("service public key is %T, want ECDSA", parsedPublic)
	}

	privateBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("reading service private key: %w", err)
	}
	privateKey, err := x509.ParseECPrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing service private key: %w", err)
	}
	if !privateKey.PublicKey.Equal(publicKey) {
		return nil, fmt.Errorf("service key files do not form a pair")
	}

	return FromKey(name, privateKey)
}

// FromKey builds a Service from an in-memory key pair. Used by tests
// and by engines that hold the key material themselves.
func FromKey(name string, privateKey *ecdsa.PrivateKey) (*Service, error) {
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding service public key: %w", err)
	}
	return &Service{
		name:       name,
		privateKey: privateKey,
		publicDER:  publicDER,
		commitment: blake3.Sum256(publicDER),
	}, nil
}

// Name returns the display name advertised in the invitation code.
func (s *Service) Name() string { return s.name }

// PublicKeyDER returns the PKIX DER encoding of the public key.
func (s *Service) PublicKeyDER() []byte { return s.publicDER }

// Commitment returns the digest that identifies this service across
// sessions: BLAKE3-256 of the public key's DER encoding.
func (s *Service) Commitment() [32]byte { return s.commitment }

// Sign produces an ASN.1 ECDSA signature over SHA-256(message).
func (s *Service) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, s.privateKey, digest[:])
}

// Verify checks an ASN.1 ECDSA signature over SHA-256(message) against
// the service public key.
func (s *Service) Verify(message, signature []byte) bool {
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(&s.privateKey.PublicKey, digest[:], signature)
}
