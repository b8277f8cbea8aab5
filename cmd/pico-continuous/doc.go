// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Pico-continuous is the host-side continuous-authentication daemon.
// It authenticates desktop users against a nearby phone: the PAM stack
// asks it to open an authentication session, the daemon advertises the
// session to phones (QR text, beacon broadcast, or radio
// advertisement), a phone connects over one of three transports and
// runs the handshake, and the result flows back to the PAM caller. In
// continuous mode the session keeps re-authenticating the phone until
// contact is lost, at which point the user's desktop is locked.
//
// The daemon is a single-threaded event reactor. One loop goroutine
// owns the session registry and every session's state; IPC connections,
// transport completions, and timers post continuations onto it. Clients
// speak CBOR request/response over a unix socket:
//
//	start-auth(username, parameters) → (handle, code, success)
//	complete-auth(handle)            → (username, token, success)
//	exit()                           → (success)
//
// complete-auth blocks at the IPC layer until the session resolves; a
// client whose connection drops before that has its sessions cancelled
// and replied false.
package main
