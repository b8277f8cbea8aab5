// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package beacon fans one invitation payload out to a set of nearby
// targets. Each target runs its own locate → connect → deliver chain on
// an independent 2-second cadence; no barrier ever synchronises the
// chains. Stopping is a drain: deliveries in flight complete, pending
// locates drop, and the campaign reports finished exactly once, after
// every chain has.
package beacon

import (
	"io"
	"log/slog"
	"time"

	"github.com/mypico/pico-continuous/lib/channel"
	"github.com/mypico/pico-continuous/lib/reactor"
)

// locateGap is the per-target cadence between locate attempts.
const locateGap = 2 * time.Second

// Dialer resolves a target address to a transport the payload can be
// written to. Implementations block; the emitter calls them off-loop.
// The host radio daemon sits behind this interface in production;
// tests inject fakes.
type Dialer interface {
	// Locate finds the target's beacon service and connects to it.
	// Returning an error means "not reachable right now"; the chain
	// retries on its next cadence tick.
	Locate(target string) (io.WriteCloser, error)
}

// State is the lifecycle of the whole campaign.
type State int

const (
	StateInvalid State = iota
	StateStarted
	StateCompleted
	StateHarvestable
)

// String returns the log spelling of the state.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateStarted:
		return "started"
	case StateCompleted:
		return "completed"
	case StateHarvestable:
		return "harvestable"
	}
	return "State(?)"
}

// senderState is the lifecycle of one per-target chain.
type senderState int

const (
	senderStarting senderState = iota
	senderReady
	senderSending
	senderStopping
	senderStopped
)

// Emitter runs one beacon campaign. All exported methods and the
// finished callback run on the reactor loop.
type Emitter struct {
	loop   *reactor.Loop
	logger *slog.Logger
	dialer Dialer

	payload  []byte
	state    State
	senders  []*sender
	running  int
	finished func()
}

type sender struct {
	emitter *Emitter
	target  string
	state   senderState
	// inFlight counts locate/deliver work handed to the dialer
	// goroutine; a stopping sender finishes only once it reaches zero.
	inFlight int
	cadence  *reactor.Repeating
}

// New creates an emitter for one campaign.
func New(loop *reactor.Loop, logger *slog.Logger, dialer Dialer) *Emitter {
	return &Emitter{
		loop:   loop,
		logger: logger,
		dialer: dialer,
		state:  StateInvalid,
	}
}

// SetFinished installs the exactly-once campaign-finished callback.
func (e *Emitter) SetFinished(finished func()) { e.finished = finished }

// State returns the campaign state.
func (e *Emitter) State() State { return e.state }

// Start begins broadcasting payload to targets. Duplicate targets have
// been collapsed by the loader; an empty target list completes the
// campaign immediately on Stop.
func (e *Emitter) Start(payload []byte, targets []string) {
	e.payload = make([]byte, len(payload))
	copy(e.payload, payload)
	e.state = StateStarted
	e.logger.Info("beacon campaign started", "targets", len(targets))

	for _, target := range targets {
		s := &sender{emitter: e, target: target, state: senderStarting}
		e.senders = append(e.senders, s)
		e.running++
		s.locate()
		s.cadence = e.loop.Every(locateGap, s.tick)
	}
}

// Stop requests every chain to wind down. Chains mid-delivery drain;
// chains between attempts stop on the spot. Idempotent.
func (e *Emitter) Stop() {
	if e.state == StateHarvestable {
		return
	}
	e.logger.Info("beacon campaign stopping", "running", e.running)
	for _, s := range e.senders {
		s.stop()
	}
	e.state = StateCompleted
	if e.running == 0 {
		e.finish()
	}
}

// finish settles the campaign and fires the callback exactly once.
func (e *Emitter) finish() {
	if e.state == StateHarvestable {
		return
	}
	e.state = StateHarvestable
	e.logger.Info("beacon campaign finished")
	if e.finished != nil {
		e.finished()
	}
}

// senderFinished accounts one chain's completion.
func (e *Emitter) senderFinished() {
	e.running--
	if e.running == 0 && e.state == StateCompleted {
		e.finish()
	}
}

// tick fires on the cadence: retry the locate unless the chain is busy
// or stopping.
func (s *sender) tick() {
	switch s.state {
	case senderStarting, senderReady:
		s.locate()
	case senderStopping:
		if s.inFlight == 0 {
			s.finishSender()
		}
	}
}

// locate hands one locate attempt to the dialer.
func (s *sender) locate() {
	s.state = senderSending
	s.inFlight++
	go func() {
		transport, err := s.emitter.dialer.Locate(s.target)
		s.emitter.loop.Post(func() { s.located(transport, err) })
	}()
}

// located decides whether the attempt proceeds to delivery. A chain
// that was asked to stop mid-locate drops here: the connection is
// closed without delivering.
func (s *sender) located(transport io.WriteCloser, err error) {
	s.inFlight--

	if err != nil {
		s.emitter.logger.Debug("beacon locate failed", "target", s.target, "error", err)
		s.settleAttempt()
		return
	}
	if s.state == senderStopping {
		transport.Close()
		s.settleAttempt()
		return
	}

	// Delivery in flight: a stop from here on drains it.
	s.inFlight++
	payload := s.emitter.payload
	go func() {
		_, writeErr := transport.Write(channel.EncodeFrame(payload))
		closeErr := transport.Close()
		if writeErr == nil {
			writeErr = closeErr
		}
		s.emitter.loop.Post(func() { s.delivered(writeErr) })
	}()
}

// delivered accounts a finished delivery.
func (s *sender) delivered(err error) {
	s.inFlight--
	if err != nil {
		s.emitter.logger.Debug("beacon delivery failed", "target", s.target, "error", err)
	} else {
		s.emitter.logger.Info("beacon delivered", "target", s.target)
	}
	s.settleAttempt()
}

// settleAttempt returns the chain to ready, or finishes it when a stop
// has drained the last in-flight step.
func (s *sender) settleAttempt() {
	if s.state == senderStopping {
		if s.inFlight == 0 {
			s.finishSender()
		}
		return
	}
	s.state = senderReady
}

// stop requests this chain to wind down. A chain with no work in
// flight finishes immediately; otherwise the drain completes it.
func (s *sender) stop() {
	if s.state == senderStopped {
		return
	}
	wasIdle := s.inFlight == 0
	s.state = senderStopping
	if wasIdle {
		s.finishSender()
	}
}

func (s *sender) finishSender() {
	if s.state == senderStopped {
		return
	}
	s.state = senderStopped
	s.cadence.Stop()
	s.emitter.senderFinished()
}
