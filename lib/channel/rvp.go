// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mypico/pico-continuous/lib/clock"
	"github.com/mypico/pico-continuous/lib/reactor"
)

// Rendezvous-point channel: the daemon claims a random channel name
// under a rendezvous URL, long-polls it with GET for messages from the
// phone, and POSTs its own frames to the same URL.

const (
	// rvpChannelNameBytes is the entropy of the channel name; the name
	// is its hex encoding.
	rvpChannelNameBytes = 16

	// rvpDefaultWallTimeout bounds an in-flight request in wall-clock
	// time. Monotonic timers freeze across host suspend while the
	// rendezvous forgets channels in wall-clock time, so the watchdog
	// must compare wall-clock readings, not rely on a timer having
	// counted the interval down.
	rvpDefaultWallTimeout = 45 * time.Second

	// rvpWatchdogTick is how often the watchdog compares clocks.
	rvpWatchdogTick = time.Second

	// rvpRetryDelay is the single backoff applied after a connection
	// failure.
	rvpRetryDelay = 1000 * time.Millisecond
)

// rvpCancelKind marks why an in-flight request was cancelled, carried
// as a context cancel cause.
type rvpCancelKind int

const (
	rvpCancelExplicit rvpCancelKind = iota
	rvpCancelWatchdog
)

type rvpCancelCause struct{ kind rvpCancelKind }

func (rvpCancelCause) Error() string { return "rvp: request cancelled" }

// RvpConfig configures a rendezvous channel.
type RvpConfig struct {
	// URLPrefix is the rendezvous base the channel name is appended
	// to. Must end in "/".
	URLPrefix string

	// WallTimeout overrides the wall-clock watchdog duration; zero
	// means the default.
	WallTimeout time.Duration

	// HTTPClient overrides the HTTP client; nil means a fresh client
	// with no overall timeout (long-polls are bounded by the watchdog,
	// not by the client).
	HTTPClient *http.Client
}

// Rvp is the rendezvous-point ByteChannel adapter. All exported methods
// and all event deliveries run on the reactor loop.
type Rvp struct {
	loop   *reactor.Loop
	logger *slog.Logger
	events Events
	client *http.Client

	urlPrefix   string
	wallTimeout time.Duration

	url       string
	listening bool
	connected bool

	// In-flight operation bookkeeping. read/write hold the current
	// operation; a cancelled-then-replaced read is "superseded": its
	// completion still decrements connections, and a transient failure
	// on it does not start another poll.
	nextOpID    uint64
	read        *rvpOp
	write       *rvpOp
	connections int

	watchdog       *reactor.Repeating
	wallclockStart time.Time

	retryTimer *clock.Timer
}

type rvpOp struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// NewRvp creates a rendezvous channel delivering into events on loop.
func NewRvp(loop *reactor.Loop, logger *slog.Logger, events Events, config RvpConfig) *Rvp {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	wallTimeout := config.WallTimeout
	if wallTimeout == 0 {
		wallTimeout = rvpDefaultWallTimeout
	}
	return &Rvp{
		loop:        loop,
		logger:      logger,
		events:      events,
		client:      client,
		urlPrefix:   config.URLPrefix,
		wallTimeout: wallTimeout,
	}
}

// Compile-time interface check.
var _ Channel = (*Rvp)(nil)

// Listen claims a fresh channel name on the first call and starts the
// long-poll; later calls resume polling after a disconnect or
// cancellation.
func (r *Rvp) Listen() (string, error) {
	if r.url == "" {
		name := make([]byte, rvpChannelNameBytes)
		if _, err := rand.Read(name); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBindFailed, err)
		}
		r.url = r.urlPrefix + hex.EncodeToString(name)
		r.logger.Info("rendezvous channel claimed", "url", r.url)
	}
	r.listening = true
	r.startRead()
	return r.url, nil
}

// Send POSTs one length-prefixed frame to the rendezvous.
func (r *Rvp) Send(payload []byte) error {
	if r.read != nil || r.write != nil {
		r.logger.Error("send refused, request already in flight")
		return ErrBusy
	}

	frame := EncodeFrame(payload)
	op := r.startOp(&r.write)
	go func(ctx context.Context, id uint64) {
		response, err := r.do(ctx, http.MethodPost, bytes.NewReader(frame))
		r.loop.Post(func() { r.writeComplete(id, response, err) })
	}(op.ctx, op.id)
	return nil
}

// Disconnect drops the logical peer connection: the in-flight read is
// cancelled (writes drain on their own) and Disconnected is delivered
// once.
func (r *Rvp) Disconnect() {
	r.CancelPendingReads()
	if !r.connected {
		return
	}
	r.connected = false
	r.events.Disconnected()
}

// CancelPendingReads aborts the in-flight GET, if any. The poll does
// not restart until the next Listen.
func (r *Rvp) CancelPendingReads() {
	r.listening = false
	if r.read != nil {
		r.read.cancel(rvpCancelCause{kind: rvpCancelExplicit})
		r.read = nil
	}
}

// Quiescent reports no in-flight requests and no open connections.
func (r *Rvp) Quiescent() bool {
	return r.read == nil && r.write == nil && r.connections == 0
}

// startedOp pairs an operation with its request context.
type startedOp struct {
	id  uint64
	ctx context.Context
}

// startOp registers a new in-flight operation in slot and arms the
// wall-clock watchdog.
func (r *Rvp) startOp(slot **rvpOp) startedOp {
	ctx, cancel := context.WithCancelCause(context.Background())
	r.nextOpID++
	*slot = &rvpOp{id: r.nextOpID, cancel: cancel}
	r.connections++
	r.wallclockStart = r.loop.Clock().Now()
	if r.watchdog == nil {
		r.watchdog = r.loop.Every(rvpWatchdogTick, r.watchdogTick)
	}
	return startedOp{id: r.nextOpID, ctx: ctx}
}

// startRead begins a long-poll GET unless one (or a write) is already
// in flight.
func (r *Rvp) startRead() {
	if r.read != nil || r.write != nil {
		return
	}
	op := r.startOp(&r.read)
	go func(ctx context.Context, id uint64) {
		response, err := r.do(ctx, http.MethodGet, nil)
		r.loop.Post(func() { r.readComplete(id, response, err) })
	}(op.ctx, op.id)
}

// rvpResponse is what survives of an HTTP exchange once the response
// body has been drained in the request goroutine.
type rvpResponse struct {
	status int
	body   []byte
}

func (r *Rvp) do(ctx context.Context, method string, body io.Reader) (*rvpResponse, error) {
	request, err := http.NewRequestWithContext(ctx, method, r.url, body)
	if err != nil {
		return nil, err
	}
	if method == http.MethodPost {
		request.Header.Set("Content-Type", "application/octet-stream")
	}
	response, err := r.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	return &rvpResponse{status: response.StatusCode, body: data}, nil
}

// readComplete handles a finished GET on the loop.
func (r *Rvp) readComplete(id uint64, response *rvpResponse, err error) {
	r.connections--
	current := r.read != nil && r.read.id == id
	if current {
		r.read = nil
	}
	r.stopWatchdogIfIdle()

	if err != nil {
		r.readFailed(current, err)
		return
	}
	if response.status < 200 || response.status > 299 {
		// The rendezvous itself answered with a failure. One retry
		// after a flat delay; concurrent retries are forbidden.
		r.logger.Error("rendezvous read failed", "status", response.status)
		r.scheduleRetry()
		return
	}

	body := response.body
	if len(body) <= frameHeaderSize {
		// Dodgy response; poll again.
		r.logger.Debug("rendezvous response too short, restarting poll", "length", len(body))
		if r.listening {
			r.startRead()
		}
		return
	}
	if body[0] == '{' {
		// Rendezvous-level keepalive or timeout notification, not a
		// peer frame. Restart the poll without reporting data.
		r.logger.Debug("rendezvous keepalive", "body", string(body))
		if r.listening {
			r.startRead()
		}
		return
	}

	r.peerArrived()
	r.events.Incoming(body[frameHeaderSize:])
}

// readFailed classifies a transport-level GET failure.
func (r *Rvp) readFailed(current bool, err error) {
	switch classifyRvpError(err) {
	case rvpFailureCancelled:
		r.logger.Debug("read cancelled")
		r.events.ChannelError(KindCancelled)

	case rvpFailureWatchdog:
		// The watchdog already started the replacement poll.
		r.logger.Info("read cancelled by wall-clock watchdog")
		r.events.ChannelError(KindCancelled)

	case rvpFailureTransient:
		if current && r.listening {
			r.logger.Error("transient read failure, retrying", "error", err)
			r.startRead()
		} else {
			// A replacement poll is already in flight; let this
			// connection die.
			r.logger.Error("transient failure on superseded read", "error", err)
			r.events.ChannelError(KindCancelled)
		}

	case rvpFailureConnection:
		r.logger.Error("connection failure on read", "error", err)
		r.scheduleRetry()
	}
}

// writeComplete handles a finished POST on the loop.
func (r *Rvp) writeComplete(id uint64, response *rvpResponse, err error) {
	r.connections--
	if r.write != nil && r.write.id == id {
		r.write = nil
	}
	r.stopWatchdogIfIdle()

	if err != nil {
		if classifyRvpError(err) == rvpFailureCancelled {
			r.events.ChannelError(KindCancelled)
			return
		}
		// A lost write is unrecoverable mid-handshake.
		r.logger.Error("connection failure on write", "error", err)
		r.events.ChannelError(KindFatal)
		return
	}
	if response.status < 200 || response.status > 299 {
		r.logger.Error("rendezvous write failed", "status", response.status)
		r.events.ChannelError(KindFatal)
		return
	}

	r.events.SendComplete()
	switch {
	case !r.listening:
		// Reads were cancelled; the poll stays down until the next Listen.
	case r.connected:
		r.startRead()
	default:
		r.logger.Error("write completed while not connected")
	}
}

// peerArrived marks the logical connection up on first data.
func (r *Rvp) peerArrived() {
	if r.connected {
		return
	}
	r.connected = true
	r.events.Connected()
}

// watchdogTick compares wall clocks and cancels a stuck request. A GET
// cancelled this way is superseded immediately: a fresh poll starts
// without waiting for the dead request to unwind.
func (r *Rvp) watchdogTick() {
	if r.read == nil && r.write == nil {
		return
	}
	elapsed := r.loop.Clock().Now().Sub(r.wallclockStart)
	if elapsed < r.wallTimeout {
		return
	}

	r.logger.Info("wall-clock watchdog expired, cancelling request", "elapsed", elapsed)
	r.events.WatchdogExpired()

	if r.read != nil {
		r.read.cancel(rvpCancelCause{kind: rvpCancelWatchdog})
		r.read = nil
		if r.listening {
			r.startRead()
		}
		return
	}
	r.write.cancel(rvpCancelCause{kind: rvpCancelWatchdog})
	r.write = nil
}

// scheduleRetry arms the single flat-delay retry. At most one retry is
// ever pending.
func (r *Rvp) scheduleRetry() {
	if r.retryTimer != nil {
		return
	}
	r.retryTimer = r.loop.AfterFunc(rvpRetryDelay, func() {
		r.retryTimer = nil
		if !r.listening {
			r.events.ChannelError(KindCancelled)
			return
		}
		if r.read != nil || r.write != nil {
			// A request appeared meanwhile; no retry after all.
			r.events.ChannelError(KindCancelled)
			return
		}
		r.logger.Info("retrying rendezvous poll")
		r.startRead()
	})
}

func (r *Rvp) stopWatchdogIfIdle() {
	if r.read != nil || r.write != nil || r.watchdog == nil {
		return
	}
	r.watchdog.Stop()
	r.watchdog = nil
}

// rvpFailure buckets transport errors per the recovery they get.
type rvpFailure int

const (
	rvpFailureCancelled rvpFailure = iota
	rvpFailureWatchdog
	rvpFailureTransient
	rvpFailureConnection
)

// classifyRvpError maps a Go HTTP client error onto the recovery
// buckets: explicit cancellation, watchdog cancellation, transient
// mid-exchange errors (retried immediately on the current read), and
// connection-establishment failures (single delayed retry).
func classifyRvpError(err error) rvpFailure {
	var cause rvpCancelCause
	if errors.As(err, &cause) {
		if cause.kind == rvpCancelWatchdog {
			return rvpFailureWatchdog
		}
		return rvpFailureCancelled
	}
	if errors.Is(err, context.Canceled) {
		return rvpFailureCancelled
	}

	var opError *net.OpError
	if errors.As(err, &opError) && opError.Op == "dial" {
		return rvpFailureConnection
	}
	return rvpFailureTransient
}
