// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake declares the contract between the session core and
// the handshake state machine. The machine that actually runs the
// cryptographic protocol with the phone is an external engine; it is
// installed with Register, the way database/sql drivers are. The core
// only ever drives the FSM through the five events below and reacts to
// its eight callbacks.
package handshake

import (
	"fmt"
	"sync"
	"time"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/identity"
)

// State is the observable protocol state. The orchestrator reacts to
// StateStart, StateAuthenticated, StateAuthFailed, StateFin, and
// StateError; intermediate states are reported for logging only.
type State int

const (
	StateInvalid State = iota
	StateDormant
	StateStart
	StateServiceAuth
	StatePicoAuth
	StateStatus
	StateAuthenticated
	StateAuthFailed
	StateContinuing
	StateFin
	StateError
)

// String returns the log spelling of the state.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateDormant:
		return "dormant"
	case StateStart:
		return "start"
	case StateServiceAuth:
		return "service-auth"
	case StatePicoAuth:
		return "pico-auth"
	case StateStatus:
		return "status"
	case StateAuthenticated:
		return "authenticated"
	case StateAuthFailed:
		return "auth-failed"
	case StateContinuing:
		return "continuing"
	case StateFin:
		return "fin"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is the terminal verdict delivered with the Authenticated
// callback.
type Status int

const (
	// StatusOK is a successful one-shot authentication: the session is
	// done once the result is delivered.
	StatusOK Status = iota

	// StatusOKContinue is a successful authentication in continuous
	// mode: the FSM keeps re-authenticating until contact is lost.
	StatusOKContinue

	// StatusRejected is a failed authentication.
	StatusRejected
)

// Callbacks is implemented by the orchestrator and handed to the FSM.
// Write, SetTimeout, Listen, and Disconnect are commands aimed at the
// transport; the rest are notifications of protocol progress.
type Callbacks interface {
	// Write sends one protocol message to the peer.
	Write(data []byte)

	// SetTimeout (re)arms the protocol inactivity timer. When it
	// expires the transport side calls FSM.Timeout.
	SetTimeout(d time.Duration)

	// Error reports an unrecoverable protocol error.
	Error()

	// Listen asks the transport to start (or resume) listening for a
	// peer.
	Listen()

	// Disconnect asks the transport to drop the current peer.
	Disconnect()

	// Authenticated delivers the verdict of the initial handshake.
	Authenticated(status Status)

	// SessionEnded reports that a continuous session finished.
	SessionEnded()

	// StatusUpdated reports every state change.
	StatusUpdated(state State)
}

// FSM is one handshake run. All methods must be called from the
// session's reactor context.
type FSM interface {
	// SetContinuous selects continuous mode. Must be called before
	// Start.
	SetContinuous(continuous bool)

	// Start begins the run: the FSM will ask the transport to listen
	// and then drive the protocol as transport events arrive. The user
	// table is the full, already-filtered set of credentials allowed
	// to authenticate; extraData is sent to the phone after a
	// successful handshake.
	Start(service *identity.Service, users []authconfig.User, extraData []byte)

	// Connected reports that a peer attached to the transport.
	Connected()

	// Read delivers one protocol message from the peer.
	Read(data []byte)

	// Disconnected reports that the peer went away.
	Disconnected()

	// Timeout reports expiry of the timer armed via SetTimeout.
	Timeout()

	// Stop aborts the run. The FSM asks the transport to disconnect
	// and settles into a terminal state.
	Stop()

	// ReceivedExtraData returns the opaque extra-data the phone sent,
	// valid once Authenticated has been delivered.
	ReceivedExtraData() []byte

	// SymmetricKey returns the symmetric key of the authenticated
	// user, valid once Authenticated has been delivered.
	SymmetricKey() []byte

	// AuthenticatedUser returns the username that authenticated, valid
	// once Authenticated has been delivered.
	AuthenticatedUser() string

	// State returns the current observable state.
	State() State
}

// Factory builds one FSM bound to the given callbacks.
type Factory func(cb Callbacks) FSM

var (
	registerMu sync.Mutex
	factory    Factory
)

// Register installs the handshake engine. Typically called from the
// engine package's init. Last registration wins.
func Register(f Factory) {
	registerMu.Lock()
	defer registerMu.Unlock()
	factory = f
}

// DefaultFactory returns the registered engine factory, or nil when no
// engine has been linked in.
func DefaultFactory() Factory {
	registerMu.Lock()
	defer registerMu.Unlock()
	return factory
}
