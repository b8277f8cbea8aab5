// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the request/response types exchanged between the
// pico-continuous daemon and its clients (the PAM module and the test
// driver) over the daemon's unix IPC socket. Messages are CBOR-encoded
// with lib/codec, one request/response pair at a time per connection.
package ipc

// Method names accepted by the daemon.
const (
	// MethodStartAuth opens a new authentication session. The reply
	// arrives once the channel is listening and the invitation code is
	// built; the handshake has not yet run.
	MethodStartAuth = "start-auth"

	// MethodCompleteAuth retrieves the result of a session. The reply
	// is held until the handshake resolves, however long that takes;
	// the request may also arrive after the result is already in.
	MethodCompleteAuth = "complete-auth"

	// MethodExit asks the daemon to drain and terminate.
	MethodExit = "exit"
)

// Request is one client call.
type Request struct {
	// Method is one of the Method constants.
	Method string `cbor:"method"`

	// Username is the account the caller wants authenticated. Empty
	// with any_user set means "whoever pairs".
	Username string `cbor:"username,omitempty"`

	// Parameters is a JSON dictionary of per-session configuration
	// overrides (the keys of lib/authconfig). Overlaid on top of the
	// on-disk configuration.
	Parameters string `cbor:"parameters,omitempty"`

	// Handle identifies the session for complete-auth.
	Handle int32 `cbor:"handle,omitempty"`
}

// StartAuthReply answers a start-auth request.
type StartAuthReply struct {
	// Handle identifies the new session, or -1 when allocation failed.
	Handle int32 `cbor:"handle"`

	// Code is the invitation payload (QR text / beacon content).
	Code string `cbor:"code"`

	// Success reports whether the session was set up.
	Success bool `cbor:"success"`
}

// CompleteAuthReply answers a complete-auth request.
type CompleteAuthReply struct {
	// Username is the authenticated account, empty on failure.
	Username string `cbor:"username"`

	// Token is the secret the phone released for this account, empty
	// on failure or when the sealed token could not be opened.
	Token string `cbor:"token"`

	// Success reports whether the handshake authenticated the user.
	Success bool `cbor:"success"`
}

// ExitReply answers an exit request.
type ExitReply struct {
	Success bool `cbor:"success"`
}

// Response carries exactly one of the reply payloads, tagged by the
// request method it answers.
type Response struct {
	Method       string             `cbor:"method"`
	StartAuth    *StartAuthReply    `cbor:"start_auth,omitempty"`
	CompleteAuth *CompleteAuthReply `cbor:"complete_auth,omitempty"`
	Exit         *ExitReply         `cbor:"exit,omitempty"`

	// Error describes a malformed or unroutable request.
	Error string `cbor:"error,omitempty"`
}
