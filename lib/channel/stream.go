// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/mypico/pico-continuous/lib/reactor"
)

// Stream-socket channel: the daemon listens on the first free numbered
// channel, accepts exactly one peer, and exchanges length-prefixed
// frames over the stream.

const (
	// streamChannelMin and streamChannelMax bound the scan for a free
	// channel: [1, 32).
	streamChannelMin = 1
	streamChannelMax = 32

	// streamReadMax bounds one read from the stream.
	streamReadMax = 1024
)

// Binder supplies listeners for numbered channels. The production
// binder maps channels onto host sockets; tests inject fakes. The host
// radio daemon owning real short-range sockets sits behind the same
// interface.
type Binder interface {
	// Bind opens a listener for the given channel number, failing if
	// the channel is taken.
	Bind(channel int) (net.Listener, error)

	// Address renders the public address of a bound channel for the
	// invitation code.
	Address(channel int) string
}

// TCPBinder is the in-repo Binder: channel n maps to BasePort+n on
// Host.
type TCPBinder struct {
	// Host is the address advertised to phones.
	Host string

	// BasePort anchors the channel range.
	BasePort int
}

func (b *TCPBinder) Bind(channel int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", b.BasePort+channel))
}

func (b *TCPBinder) Address(channel int) string {
	return fmt.Sprintf("btspp://%s:%d", b.Host, b.BasePort+channel)
}

// Stream is the stream-socket ByteChannel adapter. All exported
// methods and event deliveries run on the reactor loop.
type Stream struct {
	loop   *reactor.Loop
	logger *slog.Logger
	events Events
	binder Binder

	listener net.Listener
	address  string

	connection net.Conn
	// readingConn is the connection whose read loop is still running;
	// distinct from connection while a torn-down peer's loop drains.
	readingConn net.Conn
	writing     bool

	assembler frameAssembler
}

// NewStream creates a stream channel delivering into events on loop.
func NewStream(loop *reactor.Loop, logger *slog.Logger, events Events, binder Binder) *Stream {
	return &Stream{
		loop:   loop,
		logger: logger,
		events: events,
		binder: binder,
	}
}

// Compile-time interface check.
var _ Channel = (*Stream)(nil)

// Listen binds the first free channel in [1, 32) on the first call and
// begins accepting. Only one peer is served; further connections are
// rejected until the current peer disconnects.
func (s *Stream) Listen() (string, error) {
	if s.listener != nil {
		return s.address, nil
	}

	for channel := streamChannelMin; channel < streamChannelMax; channel++ {
		listener, err := s.binder.Bind(channel)
		if err != nil {
			continue
		}
		s.listener = listener
		s.address = s.binder.Address(channel)
		s.logger.Info("stream channel bound", "channel", channel, "address", s.address)
		go s.acceptLoop(listener)
		return s.address, nil
	}

	s.events.ChannelError(KindBindFailed)
	return "", fmt.Errorf("%w: channels %d..%d taken", ErrBindFailed, streamChannelMin, streamChannelMax-1)
}

// acceptLoop runs off-loop, handing every accepted connection to the
// reactor.
func (s *Stream) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed; the endpoint is gone.
			return
		}
		s.loop.Post(func() { s.accepted(conn) })
	}
}

// accepted admits the first peer and rejects the rest.
func (s *Stream) accepted(conn net.Conn) {
	if s.connection != nil {
		s.logger.Info("rejecting extra connection", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	s.connection = conn
	s.assembler.reset()
	s.readingConn = conn
	s.events.Connected()
	go s.readLoop(conn)
}

// readLoop runs off-loop, one bounded read at a time.
func (s *Stream) readLoop(conn net.Conn) {
	buffer := make([]byte, streamReadMax)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			s.loop.Post(func() { s.received(conn, data) })
		}
		if err != nil {
			s.loop.Post(func() { s.readEnded(conn) })
			return
		}
	}
}

// received feeds stream bytes through the frame assembler.
func (s *Stream) received(conn net.Conn, data []byte) {
	if s.connection != conn {
		// Stale read from a connection already torn down.
		return
	}
	for _, payload := range s.assembler.add(data) {
		s.events.Incoming(payload)
	}
}

// readEnded reports that the peer's stream finished, either because the
// peer went away or because the connection was closed locally.
func (s *Stream) readEnded(conn net.Conn) {
	if s.readingConn == conn {
		s.readingConn = nil
	}
	if s.connection != conn {
		// A stale loop from an already-replaced connection drained.
		s.events.ChannelError(KindCancelled)
		return
	}
	s.dropConnection()
}

// Send writes one length-prefixed frame to the peer.
func (s *Stream) Send(payload []byte) error {
	if s.writing {
		s.logger.Error("send refused, write already in flight")
		return ErrBusy
	}
	if s.connection == nil {
		return errors.New("stream: not connected")
	}

	s.writing = true
	frame := EncodeFrame(payload)
	conn := s.connection
	go func() {
		_, err := conn.Write(frame)
		s.loop.Post(func() { s.writeComplete(err) })
	}()
	return nil
}

func (s *Stream) writeComplete(err error) {
	s.writing = false
	if err != nil {
		s.logger.Error("stream write failed", "error", err)
		s.events.ChannelError(KindFatal)
		return
	}
	s.events.SendComplete()
}

// Disconnect closes the current peer connection. Idempotent.
func (s *Stream) Disconnect() {
	s.dropConnection()
}

// dropConnection closes and forgets the peer, delivering Disconnected
// at most once.
func (s *Stream) dropConnection() {
	if s.connection == nil {
		return
	}
	s.connection.Close()
	s.connection = nil
	s.assembler.reset()
	s.events.Disconnected()
}

// CancelPendingReads aborts the read loop by closing the peer
// connection; the listener stays bound, so a new peer can still
// arrive.
func (s *Stream) CancelPendingReads() {
	if s.connection != nil {
		s.connection.Close()
	}
}

// Quiescent reports no reads, no writes, and no open peer.
func (s *Stream) Quiescent() bool {
	return s.readingConn == nil && !s.writing && s.connection == nil
}

// Close releases the listening endpoint. Called by the orchestrator
// once the session is fully stopped.
func (s *Stream) Close() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.dropConnection()
}
