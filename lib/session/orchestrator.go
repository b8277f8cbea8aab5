// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package session composes one authentication session: a byte channel,
// a beacon campaign, and the handshake FSM. The orchestrator wires the
// three together, translates channel events into FSM events and FSM
// callbacks into channel operations, and reconciles their asynchronous
// completions into a single stopped notification.
//
// Everything here runs on the daemon's reactor loop.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/beacon"
	"github.com/mypico/pico-continuous/lib/channel"
	"github.com/mypico/pico-continuous/lib/clock"
	"github.com/mypico/pico-continuous/lib/handshake"
	"github.com/mypico/pico-continuous/lib/identity"
	"github.com/mypico/pico-continuous/lib/reactor"
)

// Events is how the orchestrator reports upward to the session owner.
type Events interface {
	// Update reports every handshake state change.
	Update(state handshake.State)

	// Stopped reports that the session is fully stopped: no reads, no
	// writes, no connections, beacons drained. Fires exactly once per
	// stop.
	Stopped()
}

// Options configures an orchestrator.
type Options struct {
	// Continuous keeps re-authenticating after the initial handshake.
	Continuous bool

	// Beacons broadcasts the invitation to the configured targets.
	Beacons bool

	// ConfigDir locates the beacon target list.
	ConfigDir string
}

// Orchestrator drives one session.
type Orchestrator struct {
	loop    *reactor.Loop
	logger  *slog.Logger
	options Options

	channel channel.Channel
	emitter *beacon.Emitter
	fsm     handshake.FSM
	events  Events

	invitation string
	stopping   bool
	stopped    bool

	protocolTimer *clock.Timer
}

// ChannelBuilder constructs the session's channel around the
// orchestrator's event sink.
type ChannelBuilder func(events channel.Events) channel.Channel

// New wires an orchestrator: the channel is built around its event
// sink and the FSM around its callback set.
func New(loop *reactor.Loop, logger *slog.Logger, buildChannel ChannelBuilder, emitter *beacon.Emitter, factory handshake.Factory, events Events, options Options) *Orchestrator {
	o := &Orchestrator{
		loop:    loop,
		logger:  logger,
		options: options,
		emitter: emitter,
		events:  events,
	}
	o.channel = buildChannel(&channelEvents{o})
	o.fsm = factory(&fsmCallbacks{o})
	o.emitter.SetFinished(o.beaconsFinished)
	return o
}

// Start brings the session up: listen, build the invitation, start the
// beacon campaign, start the FSM. The invitation code is available
// once Start returns.
func (o *Orchestrator) Start(service *identity.Service, users []authconfig.User, extraData []byte) error {
	if o.stopping || o.stopped {
		return fmt.Errorf("session: cannot start a stopping session")
	}

	address, err := o.channel.Listen()
	if err != nil {
		o.invitation = "ERROR"
		return fmt.Errorf("session: listen: %w", err)
	}

	o.invitation, err = identity.InvitationCode(service, address)
	if err != nil {
		o.invitation = "ERROR"
		return fmt.Errorf("session: invitation: %w", err)
	}

	if o.options.Beacons {
		targets, err := authconfig.LoadTargets(o.options.ConfigDir + authconfig.TargetsFile)
		if err != nil {
			// Beacons are convenience, not a precondition: the QR path
			// still works.
			o.logger.Error("loading beacon targets", "error", err)
		}
		o.emitter.Start([]byte(o.invitation), targets)
	}

	o.fsm.SetContinuous(o.options.Continuous)
	o.fsm.Start(service, users, extraData)
	return nil
}

// Stop winds the session down cooperatively: the FSM settles, beacons
// drain, in-flight reads are cancelled (writes complete), and once
// everything is quiescent the Stopped event fires. Idempotent; a stop
// already in progress is not interrupted.
func (o *Orchestrator) Stop() {
	if o.stopping || o.stopped {
		return
	}
	o.stopping = true
	o.logger.Debug("session stop requested")

	o.fsm.Stop()

	if state := o.emitter.State(); state == beacon.StateStarted || state == beacon.StateCompleted {
		o.emitter.Stop()
	}

	o.channel.CancelPendingReads()
	o.channel.Disconnect()
	o.stopCheck()
}

// stopCheck fires the stop notification once the triple predicate
// holds: channel quiescent, beacons settled, stop requested.
func (o *Orchestrator) stopCheck() {
	if !o.stopping {
		return
	}
	if !o.channel.Quiescent() {
		o.logger.Debug("stopping, channel still busy")
		return
	}
	if state := o.emitter.State(); state != beacon.StateInvalid && state != beacon.StateHarvestable {
		o.logger.Debug("stopping, beacons still draining", "state", state)
		return
	}

	if o.protocolTimer != nil {
		o.protocolTimer.Stop()
		o.protocolTimer = nil
	}
	// Adapters holding a bound endpoint release it now.
	if closer, ok := o.channel.(interface{ Close() }); ok {
		closer.Close()
	}

	o.logger.Info("session fully stopped")
	o.stopping = false
	o.stopped = true
	o.events.Stopped()
}

// beaconsFinished is the campaign's exactly-once completion callback.
func (o *Orchestrator) beaconsFinished() {
	o.logger.Debug("beacon campaign finished")
	o.stopCheck()
}

// InvitationCode returns the signed invitation, or "ERROR" when the
// channel could not produce an address.
func (o *Orchestrator) InvitationCode() string { return o.invitation }

// AuthenticatedUser returns the username the handshake authenticated.
func (o *Orchestrator) AuthenticatedUser() string { return o.fsm.AuthenticatedUser() }

// ReceivedExtraData returns the sealed extra-data the phone sent.
func (o *Orchestrator) ReceivedExtraData() []byte { return o.fsm.ReceivedExtraData() }

// SymmetricKey returns the authenticated user's symmetric key.
func (o *Orchestrator) SymmetricKey() []byte { return o.fsm.SymmetricKey() }

// Stopped reports whether the session has fully stopped.
func (o *Orchestrator) Stopped() bool { return o.stopped }

// channelEvents adapts channel events onto the orchestrator.
type channelEvents struct{ o *Orchestrator }

func (c *channelEvents) Connected() {
	o := c.o
	o.logger.Debug("peer connected")
	// A connected peer has the invitation; stop advertising it.
	if state := o.emitter.State(); state == beacon.StateStarted {
		o.emitter.Stop()
	}
	o.fsm.Connected()
	o.stopCheck()
}

func (c *channelEvents) Incoming(payload []byte) {
	c.o.fsm.Read(payload)
	c.o.stopCheck()
}

func (c *channelEvents) SendComplete() {
	c.o.stopCheck()
}

func (c *channelEvents) Disconnected() {
	o := c.o
	o.logger.Debug("peer disconnected")
	o.fsm.Disconnected()
	o.stopCheck()
}

func (c *channelEvents) ChannelError(kind channel.ErrorKind) {
	o := c.o
	if kind == channel.KindFatal {
		o.logger.Error("fatal channel error")
		o.Stop()
		return
	}
	o.logger.Debug("channel notice", "kind", kind)
	o.stopCheck()
}

func (c *channelEvents) WatchdogExpired() {
	c.o.logger.Info("channel watchdog expired")
}

// fsmCallbacks adapts handshake callbacks onto the orchestrator.
type fsmCallbacks struct{ o *Orchestrator }

func (f *fsmCallbacks) Write(data []byte) {
	if err := f.o.channel.Send(data); err != nil {
		f.o.logger.Error("handshake write refused", "error", err)
	}
}

func (f *fsmCallbacks) SetTimeout(d time.Duration) {
	o := f.o
	if o.protocolTimer != nil {
		o.protocolTimer.Stop()
	}
	o.protocolTimer = o.loop.AfterFunc(d, func() {
		o.protocolTimer = nil
		o.fsm.Timeout()
	})
}

func (f *fsmCallbacks) Error() {
	o := f.o
	o.logger.Debug("handshake error")
	o.channel.CancelPendingReads()
	o.Stop()
}

func (f *fsmCallbacks) Listen() {
	o := f.o
	if o.stopping {
		return
	}
	if _, err := o.channel.Listen(); err != nil {
		o.logger.Error("resuming listen", "error", err)
	}
}

func (f *fsmCallbacks) Disconnect() {
	f.o.channel.Disconnect()
}

func (f *fsmCallbacks) Authenticated(status handshake.Status) {
	o := f.o
	o.logger.Info("handshake authenticated", "status", int(status))
	// Anything but "continue" means the session's work is done.
	if status != handshake.StatusOKContinue {
		o.Stop()
	}
}

func (f *fsmCallbacks) SessionEnded() {
	f.o.logger.Debug("handshake session ended")
	f.o.Stop()
}

func (f *fsmCallbacks) StatusUpdated(state handshake.State) {
	f.o.events.Update(state)
}
