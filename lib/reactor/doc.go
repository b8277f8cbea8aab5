// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package reactor runs a single-threaded cooperative event loop.
//
// All session state in this daemon — the registry, each session, its
// orchestrator, its transport adapter — is owned by one loop goroutine
// and accessed without further synchronization. Goroutines performing
// blocking work (HTTP long-polls, socket reads, IPC connections) hand
// their completions back with Post; timers are scheduled with AfterFunc
// and Every and deliver on the loop as well. Each posted continuation
// runs to completion before the next is picked.
package reactor
