// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Every component in this repository that schedules work — the beacon
// cadence, the rendezvous wall-clock watchdog, the transport retry
// backoff, the attribute-stack recycle timer, the per-session timeout —
// takes a Clock instead of calling the time package directly. Production
// code injects Real(); tests inject Fake() and drive time with Advance,
// which makes every timer path deterministic.
package clock
