// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package authconfig holds the per-session configuration overlay and
// the read-mostly tables the daemon loads from its config directory:
// the paired-user list (users.txt) and the beacon target list
// (bluetooth.txt).
//
// Configuration is layered: compiled defaults, then the on-disk
// config.txt, then the JSON parameter dictionary supplied by the
// caller. One key is locked: any_user is never read from the file —
// only the caller can widen a session to "any paired user", because the
// file is admin-writable while the request comes from the PAM stack
// that knows which account is being authenticated.
package authconfig
