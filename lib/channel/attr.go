// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mypico/pico-continuous/lib/reactor"
)

// Attribute-based radio channel: the daemon advertises a service UUID
// derived from its identity commitment, exposes a write-only incoming
// attribute and a notify outgoing attribute, and exchanges frames as
// chunked attribute values through the host radio daemon.

const (
	// attrMaxSend bounds one outgoing notification chunk.
	attrMaxSend = 128

	// attrRecycleInterval is the cadence of the advertising-stack
	// recycle. Host radio daemons leak advertising state under churn;
	// tearing the stack down and back up clears it.
	attrRecycleInterval = 10 * time.Second
)

// AttrState is the advertising-stack state of the attribute channel.
type AttrState int

const (
	AttrDormant AttrState = iota
	AttrInitialising
	AttrInitialised
	AttrAdvertising
	AttrAdvertisingContinuous
	AttrConnected
	AttrUnadvertising
	AttrUnadvertised
	AttrFinalising
	AttrFinalised
)

// String returns the log spelling of the state.
func (s AttrState) String() string {
	switch s {
	case AttrDormant:
		return "dormant"
	case AttrInitialising:
		return "initialising"
	case AttrInitialised:
		return "initialised"
	case AttrAdvertising:
		return "advertising"
	case AttrAdvertisingContinuous:
		return "advertising-continuous"
	case AttrConnected:
		return "connected"
	case AttrUnadvertising:
		return "unadvertising"
	case AttrUnadvertised:
		return "unadvertised"
	case AttrFinalising:
		return "finalising"
	case AttrFinalised:
		return "finalised"
	}
	return fmt.Sprintf("AttrState(%d)", int(s))
}

// Radio abstracts the host radio daemon. Every method is asynchronous:
// the implementation performs the operation and calls done exactly
// once, from any goroutine. The channel posts completions onto its
// reactor loop.
//
// The radio reports peer activity by calling the channel's PeerWrite
// method for every inbound attribute write.
type Radio interface {
	// Initialize brings up the advertising stack.
	Initialize(done func(error))

	// Advertise registers the service under serviceUUID and starts
	// advertising.
	Advertise(serviceUUID string, done func(error))

	// Unadvertise stops advertising and unregisters the service.
	Unadvertise(done func(error))

	// Finalize tears the advertising stack down.
	Finalize(done func(error))

	// Notify publishes one chunk as the outgoing attribute's value.
	Notify(chunk []byte, done func(error))
}

// AttrConfig configures an attribute channel.
type AttrConfig struct {
	// Commitment is the service identity commitment the UUID is
	// derived from.
	Commitment [32]byte

	// Continuous marks the advertised UUID as a continuous session:
	// the low bit of the last byte is set.
	Continuous bool

	// DisableRecycle turns the periodic stack recycle off, for radio
	// stacks that do not leak. The state machine is unchanged.
	DisableRecycle bool
}

// Attr is the attribute-radio ByteChannel adapter. All exported
// methods and event deliveries run on the reactor loop.
type Attr struct {
	loop   *reactor.Loop
	logger *slog.Logger
	events Events
	radio  Radio
	config AttrConfig

	state       AttrState
	serviceUUID string
	connected   bool
	stopping    bool
	cycling     bool

	recycle *reactor.Repeating

	// Inbound reassembly: remaining counts payload bytes still owed on
	// the frame under assembly. Zero means idle, awaiting a header
	// chunk.
	remaining int
	inbound   []byte

	// Outbound chunking.
	writing  bool
	outbound []byte
	sendPos  int
}

// NewAttr creates an attribute channel delivering into events on loop.
func NewAttr(loop *reactor.Loop, logger *slog.Logger, events Events, radio Radio, config AttrConfig) *Attr {
	return &Attr{
		loop:   loop,
		logger: logger,
		events: events,
		radio:  radio,
		config: config,
		state:  AttrDormant,
	}
}

// Compile-time interface check.
var _ Channel = (*Attr)(nil)

// ServiceUUID derives the advertised UUID from a commitment: bytes
// 16..32 formatted as a UUID, with the last byte's low bit carrying
// the continuous flag.
func ServiceUUID(commitment [32]byte, continuous bool) string {
	var raw [16]byte
	copy(raw[:], commitment[16:])
	if continuous {
		raw[15] |= 0x01
	} else {
		raw[15] &= 0xFE
	}
	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		// FromBytes only fails on length, which is fixed here.
		panic("channel: deriving service UUID: " + err.Error())
	}
	return strings.ToUpper(id.String())
}

// Listen computes the address and starts the advertising stack. The
// address is available immediately; advertising comes up
// asynchronously.
func (a *Attr) Listen() (string, error) {
	if a.serviceUUID == "" {
		a.serviceUUID = ServiceUUID(a.config.Commitment, a.config.Continuous)
		a.logger.Info("attribute channel service", "uuid", a.serviceUUID)
	}
	if a.state == AttrDormant || a.state == AttrFinalised {
		a.startInitialize()
	}
	if a.recycle == nil && !a.config.DisableRecycle {
		a.recycle = a.loop.Every(attrRecycleInterval, a.recycleTick)
	}
	return "btgatt://" + a.serviceUUID, nil
}

// PeerWrite delivers one inbound attribute write from the radio. Safe
// from any goroutine; processing happens on the loop.
func (a *Attr) PeerWrite(value []byte) {
	data := make([]byte, len(value))
	copy(data, value)
	a.loop.Post(func() { a.peerWrite(data) })
}

// peerWrite reassembles chunked inbound writes into frames.
//
// The first write of a frame carries a 1-byte chunk index, a 4-byte
// big-endian remaining-length header, then payload; every later write
// carries the index byte and payload only.
func (a *Attr) peerWrite(data []byte) {
	if !a.connected {
		a.connected = true
		a.setState(AttrConnected)
		a.events.Connected()
	}

	if a.remaining == 0 {
		if len(data) < 6 {
			a.logger.Error("header chunk too short", "length", len(data))
			a.events.ChannelError(KindMalformed)
			return
		}
		a.remaining = int(binary.BigEndian.Uint32(data[1:5]))
		a.inbound = a.inbound[:0]
		payload := data[5:]
		if len(payload) > a.remaining {
			a.logger.Error("chunk overruns frame", "got", len(payload), "remaining", a.remaining)
			a.events.ChannelError(KindMalformed)
			a.remaining = 0
			return
		}
		a.inbound = append(a.inbound, payload...)
		a.remaining -= len(payload)
	} else {
		if len(data) < 1 {
			a.events.ChannelError(KindMalformed)
			return
		}
		payload := data[1:]
		if len(payload) > a.remaining {
			a.logger.Error("chunk overruns frame", "got", len(payload), "remaining", a.remaining)
			a.events.ChannelError(KindMalformed)
			a.remaining = 0
			return
		}
		a.inbound = append(a.inbound, payload...)
		a.remaining -= len(payload)
	}

	if a.remaining == 0 && len(a.inbound) > 0 {
		frame := make([]byte, len(a.inbound))
		copy(frame, a.inbound)
		a.inbound = a.inbound[:0]
		a.events.Incoming(frame)
	}
}

// Send publishes one frame as a run of ≤128-byte notification chunks.
func (a *Attr) Send(payload []byte) error {
	if a.writing {
		a.logger.Error("send refused, notification run in flight")
		return ErrBusy
	}
	a.writing = true
	a.outbound = EncodeFrame(payload)
	a.sendPos = 0
	a.notifyNext()
	return nil
}

func (a *Attr) notifyNext() {
	if a.sendPos >= len(a.outbound) {
		a.writing = false
		a.outbound = nil
		a.events.SendComplete()
		return
	}
	end := min(a.sendPos+attrMaxSend, len(a.outbound))
	chunk := a.outbound[a.sendPos:end]
	a.sendPos = end
	a.radio.Notify(chunk, func(err error) {
		a.loop.Post(func() { a.notified(err) })
	})
}

func (a *Attr) notified(err error) {
	if err != nil {
		a.logger.Error("notification failed", "error", err)
		a.writing = false
		a.outbound = nil
		a.events.ChannelError(KindFatal)
		return
	}
	a.notifyNext()
}

// Disconnect drops the peer and winds the advertising stack down.
// Idempotent.
func (a *Attr) Disconnect() {
	a.stopping = true
	a.resetReassembly()
	if a.connected {
		a.connected = false
		a.events.Disconnected()
	}
	if a.recycle != nil {
		a.recycle.Stop()
		a.recycle = nil
	}

	switch a.state {
	case AttrInitialised, AttrAdvertising, AttrAdvertisingContinuous, AttrConnected, AttrUnadvertised:
		a.startUnadvertise()
	case AttrDormant, AttrFinalised:
		// Nothing to wind down; report drained.
		a.events.ChannelError(KindCancelled)
	default:
		// Mid-transition; the in-flight completion continues the
		// teardown because stopping is set.
	}
}

// CancelPendingReads drops any partial frame. Inbound data is pushed by
// the radio, so there is no in-flight read to abort.
func (a *Attr) CancelPendingReads() {
	a.resetReassembly()
}

// Quiescent reports a fully wound-down stack with no notification run
// in flight.
func (a *Attr) Quiescent() bool {
	return !a.writing && !a.connected && (a.state == AttrDormant || a.state == AttrFinalised)
}

// State returns the advertising-stack state, for tests that replay
// stack-level events.
func (a *Attr) State() AttrState { return a.state }

// recycleTick tears the advertising stack down and back up to clear
// host-radio state leaks. Recycle is allowed from Initialised,
// Advertising, and Unadvertised; every other state defers to the next
// tick.
func (a *Attr) recycleTick() {
	switch a.state {
	case AttrInitialised, AttrAdvertising, AttrUnadvertised:
		a.logger.Debug("recycling advertising stack", "state", a.state)
		a.cycling = true
		if a.state == AttrUnadvertised {
			a.startFinalize()
		} else {
			a.startUnadvertise()
		}
	default:
		// Deferred: mid-transition, connected, or continuous.
	}
}

func (a *Attr) startInitialize() {
	a.setState(AttrInitialising)
	a.radio.Initialize(func(err error) {
		a.loop.Post(func() { a.initialized(err) })
	})
}

func (a *Attr) initialized(err error) {
	if err != nil {
		a.logger.Error("radio initialise failed", "error", err)
		a.setState(AttrDormant)
		a.events.ChannelError(KindFatal)
		return
	}
	a.setState(AttrInitialised)
	if a.stopping {
		a.startUnadvertise()
		return
	}
	a.radio.Advertise(a.serviceUUID, func(err error) {
		a.loop.Post(func() { a.advertised(err) })
	})
}

func (a *Attr) advertised(err error) {
	if err != nil {
		a.logger.Error("radio advertise failed", "error", err)
		a.events.ChannelError(KindFatal)
		return
	}
	if a.config.Continuous {
		a.setState(AttrAdvertisingContinuous)
	} else {
		a.setState(AttrAdvertising)
	}
	if a.stopping {
		a.startUnadvertise()
	}
}

func (a *Attr) startUnadvertise() {
	a.setState(AttrUnadvertising)
	a.radio.Unadvertise(func(err error) {
		a.loop.Post(func() { a.unadvertised(err) })
	})
}

func (a *Attr) unadvertised(err error) {
	if err != nil {
		a.logger.Error("radio unadvertise failed", "error", err)
	}
	a.setState(AttrUnadvertised)
	a.startFinalize()
}

func (a *Attr) startFinalize() {
	a.setState(AttrFinalising)
	a.radio.Finalize(func(err error) {
		a.loop.Post(func() { a.finalized(err) })
	})
}

func (a *Attr) finalized(err error) {
	if err != nil {
		a.logger.Error("radio finalise failed", "error", err)
	}
	a.setState(AttrFinalised)

	if a.stopping {
		// Drained; the orchestrator's stop predicate can pass now.
		a.events.ChannelError(KindCancelled)
		return
	}
	if a.cycling {
		a.cycling = false
		a.startInitialize()
	}
}

func (a *Attr) resetReassembly() {
	a.remaining = 0
	a.inbound = a.inbound[:0]
}

func (a *Attr) setState(state AttrState) {
	if a.state == state {
		return
	}
	a.logger.Debug("attribute channel state", "from", a.state, "to", state)
	a.state = state
}
