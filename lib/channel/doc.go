// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel reduces the three session transports — rendezvous
// HTTP long-polling, stream sockets, and attribute-based radio — to one
// byte-channel contract the session orchestrator composes with the
// handshake FSM.
//
// A channel binds a fresh endpoint with Listen and reports everything
// else through its Events sink: peer arrival, framed payloads, write
// completion, disconnection, and classified errors. Adapters keep at
// most one read and one write in flight and deliver all events on the
// session's reactor loop, so channel state is only ever touched from
// reactor context.
package channel
