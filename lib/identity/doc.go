// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity holds the service's long-term identity: the ECDSA
// key pair loaded from the config directory, the commitment digest that
// names this service across sessions, the signed invitation code
// advertised to phones, and the sealing of the user token carried in
// the handshake's extra-data.
package identity
