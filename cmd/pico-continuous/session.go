// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/clock"
	"github.com/mypico/pico-continuous/lib/handshake"
	"github.com/mypico/pico-continuous/lib/identity"
	"github.com/mypico/pico-continuous/lib/ipc"
	"github.com/mypico/pico-continuous/lib/session"
)

// sessionState is the lifecycle of one authentication session as the
// registry sees it.
type sessionState int

const (
	sessionInvalid sessionState = iota
	sessionStarted
	sessionCompleted
	sessionContinuing
	sessionHarvestable
)

// String returns the log spelling of the state.
func (s sessionState) String() string {
	switch s {
	case sessionInvalid:
		return "invalid"
	case sessionStarted:
		return "started"
	case sessionCompleted:
		return "completed"
	case sessionContinuing:
		return "continuing"
	case sessionHarvestable:
		return "harvestable"
	}
	return fmt.Sprintf("sessionState(%d)", int(s))
}

// authSession is one authentication session: the registry-facing state
// machine around a session orchestrator. Owned by the reactor loop.
type authSession struct {
	daemon *Daemon
	logger *slog.Logger

	handle int
	state  sessionState
	owner  string

	// next/prev link the registry's live list.
	next, prev *authSession

	username string
	token    string
	success  bool

	config     *authconfig.Config
	service    *identity.Service
	orch       *session.Orchestrator
	lockIssued bool

	// pendingComplete is the at-most-one outstanding complete-auth
	// reply slot.
	pendingComplete chan<- ipc.CompleteAuthReply

	timeout *clock.Timer
}

// newAuthSession creates a not-yet-started session. The registry
// assigns the handle.
func newAuthSession(d *Daemon, owner string) *authSession {
	return &authSession{
		daemon:   d,
		logger:   d.logger,
		state:    sessionInvalid,
		owner:    owner,
		username: "Nobody",
	}
}

// start runs the synchronous part of start-auth: configuration overlay,
// identity and user-table loads, the user filter, and orchestrator
// start-up. The returned reply goes straight back to the caller.
func (s *authSession) start(username, parameters string) ipc.StartAuthReply {
	s.state = sessionStarted
	if username != "" {
		s.username = username
	}
	s.logger = s.daemon.logger.With("handle", s.handle)

	s.config = authconfig.New()
	s.config.ConfigDir = s.daemon.options.ConfigDir
	if err := s.config.LoadFile(s.config.Path(authconfig.ConfigFile)); err != nil {
		// Fail-open: defaults stand.
		s.logger.Error("loading configuration file", "error", err)
	}
	if err := s.config.OverlayCaller(parameters); err != nil {
		s.logger.Error("overlaying caller parameters", "error", err)
	}

	service, err := identity.Load(
		s.daemon.options.ServiceName,
		s.config.Path(authconfig.PublicKeyFile),
		s.config.Path(authconfig.PrivateKeyFile),
	)
	if err != nil {
		s.logger.Error("loading service identity", "error", err)
		return s.failBeforeHandshake()
	}
	s.service = service

	users, err := authconfig.LoadUsers(s.config.Path(authconfig.UsersFile))
	if err != nil {
		s.logger.Error("loading user table", "error", err)
	}

	allowed := users
	if !s.config.AnyUser {
		allowed = authconfig.FilterUsersByName(users, s.username)
		s.logger.Info("filtered user table", "username", s.username, "records", len(allowed))
		if len(allowed) == 0 {
			// An empty table would read as "any user" to the
			// handshake; refuse instead.
			s.logger.Error("no credentials for requested user", "username", s.username)
			return s.failBeforeHandshake()
		}
	} else {
		s.logger.Info("authenticating for any paired user")
	}

	s.orch, err = s.daemon.buildOrchestrator(s)
	if err != nil {
		s.logger.Error("building session orchestrator", "error", err)
		return s.failBeforeHandshake()
	}
	if err := s.orch.Start(service, allowed, nil); err != nil {
		s.logger.Error("starting session", "error", err)
		return ipc.StartAuthReply{Handle: int32(s.handle), Code: s.orch.InvitationCode(), Success: false}
	}

	if seconds := s.config.TimeoutSeconds; seconds > 0 {
		duration := time.Duration(seconds * float64(time.Second))
		s.logger.Info("session timeout armed", "timeout", duration)
		s.timeout = s.daemon.loop.AfterFunc(duration, s.timeoutFired)
	}

	return ipc.StartAuthReply{Handle: int32(s.handle), Code: s.orch.InvitationCode(), Success: true}
}

// failBeforeHandshake settles a session that never reached the
// handshake: the start reply carries failure, and any complete-auth
// call observes a failed result.
func (s *authSession) failBeforeHandshake() ipc.StartAuthReply {
	s.success = false
	s.resolveComplete()
	s.state = sessionHarvestable
	return ipc.StartAuthReply{Handle: int32(s.handle), Code: "", Success: false}
}

// serviceCommitment returns the identity commitment of a session that
// got far enough to load one.
func (s *authSession) serviceCommitment() ([32]byte, bool) {
	if s.service == nil || s.state < sessionStarted {
		return [32]byte{}, false
	}
	return s.service.Commitment(), true
}

// bindComplete attaches the complete-auth reply slot. If the result is
// already in, the reply is immediate. A second bind displaces the
// first, which is resolved false rather than dropped.
func (s *authSession) bindComplete(owner string, result chan<- ipc.CompleteAuthReply) {
	s.owner = owner

	if s.state >= sessionCompleted {
		result <- s.completeReply()
		return
	}
	if s.pendingComplete != nil {
		s.logger.Error("displacing an unresolved complete-auth reply")
		s.pendingComplete <- ipc.CompleteAuthReply{}
	}
	s.pendingComplete = result
}

// completeReply renders the session result. Failures never leak the
// username.
func (s *authSession) completeReply() ipc.CompleteAuthReply {
	if !s.success {
		return ipc.CompleteAuthReply{}
	}
	return ipc.CompleteAuthReply{Username: s.username, Token: s.token, Success: true}
}

// resolveComplete answers the pending complete-auth call, if any. Each
// slot is observed exactly once.
func (s *authSession) resolveComplete() {
	if s.pendingComplete == nil {
		return
	}
	s.logger.Info("resolving complete-auth", "success", s.success)
	s.pendingComplete <- s.completeReply()
	s.pendingComplete = nil
}

// Update receives every handshake state change from the orchestrator.
func (s *authSession) Update(state handshake.State) {
	s.logger.Debug("handshake state", "state", state)

	switch state {
	case handshake.StateStart:
		// The protocol is running; the session timeout's job is done.
		s.cancelTimeout()

	case handshake.StateAuthenticated:
		s.success = true
		s.state = sessionCompleted
		s.username = s.orch.AuthenticatedUser()
		s.openToken()
		s.resolveComplete()
		if s.config.Continuous {
			s.logger.Info("moving to continuous authentication", "username", s.username)
			s.state = sessionContinuing
		}

	case handshake.StateAuthFailed:
		s.success = false
		s.state = sessionCompleted
		s.resolveComplete()

	case handshake.StateFin, handshake.StateError:
		s.resolveComplete()
		s.maybeLock()
	}
}

// openToken decrypts the sealed extra-data into the user token. By
// long-standing behaviour a failure here is not an authentication
// failure: it is logged and the token stays empty.
func (s *authSession) openToken() {
	sealed := string(s.orch.ReceivedExtraData())
	if sealed == "" {
		return
	}
	token, err := identity.OpenToken(s.orch.SymmetricKey(), sealed)
	if err != nil {
		s.logger.Error("opening sealed extra-data", "error", err)
		return
	}
	s.token = token
}

// Stopped receives the orchestrator's exactly-once stop notification.
func (s *authSession) Stopped() {
	s.logger.Info("session stopped", "state", s.state)
	s.cancelTimeout()
	s.maybeLock()
	s.resolveComplete()
	s.state = sessionHarvestable
}

// maybeLock issues the screen-lock command once, when a continuous
// session that had authenticated is ending.
func (s *authSession) maybeLock() {
	if s.lockIssued || !s.success || s.config == nil || !s.config.Continuous {
		return
	}
	s.lockIssued = true
	s.daemon.lock(s.username)
}

// stop asks the session to wind down. A session that never built an
// orchestrator settles directly.
func (s *authSession) stop() {
	if s.state >= sessionHarvestable {
		return
	}
	if s.orch != nil {
		s.orch.Stop()
		return
	}
	s.resolveComplete()
	s.state = sessionHarvestable
}

// ownerLost cancels the session when its IPC caller disappeared, unless
// the result is already in (a continuous session no longer has anyone
// to report to and keeps running on purpose).
func (s *authSession) ownerLost() {
	if s.state >= sessionCompleted {
		return
	}
	if s.orch != nil {
		s.orch.Stop()
		return
	}
	s.resolveComplete()
	s.state = sessionHarvestable
}

// timeoutFired stops the session when the configured ceiling passes.
func (s *authSession) timeoutFired() {
	s.timeout = nil
	s.logger.Info("session timeout reached")
	s.stop()
}

func (s *authSession) cancelTimeout() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}
