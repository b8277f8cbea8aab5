// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/beacon"
	"github.com/mypico/pico-continuous/lib/channel"
	"github.com/mypico/pico-continuous/lib/clock"
	"github.com/mypico/pico-continuous/lib/handshake"
	"github.com/mypico/pico-continuous/lib/ipc"
	"github.com/mypico/pico-continuous/lib/reactor"
	"github.com/mypico/pico-continuous/lib/session"
)

// Options configures the daemon. Zero values take the documented
// defaults.
type Options struct {
	// SocketPath is the unix socket the IPC server listens on.
	SocketPath string

	// ConfigDir holds keys, users.txt, bluetooth.txt, and config.txt.
	// Per-session parameters may override it.
	ConfigDir string

	// ServiceName is the display name in invitation codes.
	ServiceName string

	// LockCommand is invoked as "<command> <username>" when a
	// continuous session ends.
	LockCommand string

	// Factory builds handshake FSMs. Required.
	Factory handshake.Factory

	// Clock drives every timer. Nil means the real clock.
	Clock clock.Clock

	// StreamBinder supplies stream-channel listeners. Nil means TCP on
	// StreamBasePort.
	StreamBinder channel.Binder

	// StreamBasePort anchors the default TCP binder's channel range.
	StreamBasePort int

	// Radio is the attribute-channel radio stack. Nil disables the
	// attr channel type.
	Radio channel.Radio

	// BeaconDialer locates beacon targets. Nil disables beacon
	// broadcast (campaigns finish with nothing sent).
	BeaconDialer beacon.Dialer

	// RvpHTTPClient overrides the rendezvous HTTP client, for tests.
	RvpHTTPClient *http.Client

	// BuildChannel overrides transport construction wholesale, for
	// tests.
	BuildChannel func(config *authconfig.Config, commitment [32]byte, events channel.Events) (channel.Channel, error)
}

// Default option values.
const (
	DefaultSocketPath     = "/run/pico-continuous/ipc.sock"
	DefaultLockCommand    = "/usr/share/pam-pico/lock.sh"
	DefaultServiceName    = "Pico"
	DefaultStreamBasePort = 33440
)

// Daemon is the pico-continuous service: one reactor loop owning the
// session registry, plus an IPC accept loop feeding it.
type Daemon struct {
	logger   *slog.Logger
	options  Options
	loop     *reactor.Loop
	registry *registry

	listener net.Listener

	// nextOwner numbers IPC connections; the number becomes the
	// session owner tag.
	nextOwner int

	exiting bool
}

// NewDaemon builds a daemon. The options must carry a Factory.
func NewDaemon(logger *slog.Logger, options Options) (*Daemon, error) {
	if options.Factory == nil {
		return nil, fmt.Errorf("no handshake engine registered")
	}
	if options.SocketPath == "" {
		options.SocketPath = DefaultSocketPath
	}
	if options.ConfigDir == "" {
		options.ConfigDir = authconfig.DefaultConfigDir
	}
	if options.ServiceName == "" {
		options.ServiceName = DefaultServiceName
	}
	if options.LockCommand == "" {
		options.LockCommand = DefaultLockCommand
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.StreamBasePort == 0 {
		options.StreamBasePort = DefaultStreamBasePort
	}

	d := &Daemon{
		logger:  logger,
		options: options,
		loop:    reactor.New(options.Clock),
	}
	d.registry = newRegistry(logger)
	return d, nil
}

// Run serves IPC requests until Exit is called or the listener dies.
// Losing the listening socket is fatal: a daemon that cannot be
// reached must not keep sessions alive unsupervised.
func (d *Daemon) Run() error {
	os.Remove(d.options.SocketPath)
	listener, err := net.Listen("unix", d.options.SocketPath)
	if err != nil {
		return fmt.Errorf("binding IPC socket: %w", err)
	}
	d.listener = listener
	d.logger.Info("listening", "socket", d.options.SocketPath)

	go d.serve(listener)
	d.loop.Run()

	listener.Close()
	os.Remove(d.options.SocketPath)
	d.logger.Info("daemon exited")
	return nil
}

// startAuth allocates and starts a session. Runs on the loop; the
// reply is synchronous from the caller's point of view.
func (d *Daemon) startAuth(owner, username, parameters string, result chan<- ipc.StartAuthReply) {
	if d.exiting {
		result <- ipc.StartAuthReply{Handle: -1}
		return
	}

	s := newAuthSession(d, owner)
	if handle := d.registry.Add(s); handle < 0 {
		result <- ipc.StartAuthReply{Handle: -1}
		return
	}

	reply := s.start(username, parameters)
	result <- reply

	if reply.Success {
		// A fresh session supersedes any lingering continuous session
		// for the same user and service.
		d.registry.StopSimilar(s)
	}
}

// completeAuth binds the result reply slot for handle. Runs on the
// loop; the IPC goroutine blocks on result, not the loop.
func (d *Daemon) completeAuth(owner string, handle int32, result chan<- ipc.CompleteAuthReply) {
	if handle < 0 {
		d.logger.Error("complete-auth with invalid handle", "handle", handle)
		result <- ipc.CompleteAuthReply{}
		return
	}
	s := d.registry.Get(int(handle))
	if s == nil {
		d.logger.Error("complete-auth for unknown session", "handle", handle)
		result <- ipc.CompleteAuthReply{}
		return
	}
	s.bindComplete(owner, result)
}

// ownerLost cancels every pre-completed session of a vanished caller.
func (d *Daemon) ownerLost(owner string) {
	d.registry.OwnerLost(owner)
}

// exit drains and stops the loop.
func (d *Daemon) exit() {
	if d.exiting {
		return
	}
	d.exiting = true
	d.logger.Info("exit requested")
	for s := d.registry.head; s != nil; s = s.next {
		s.stop()
	}
	d.loop.Stop()
}

// buildOrchestrator assembles the transport, beacon emitter, and FSM
// for one configured session.
func (d *Daemon) buildOrchestrator(s *authSession) (*session.Orchestrator, error) {
	commitment := s.service.Commitment()

	buildChannel := func(events channel.Events) (channel.Channel, error) {
		if d.options.BuildChannel != nil {
			return d.options.BuildChannel(s.config, commitment, events)
		}
		switch s.config.Channel {
		case authconfig.ChannelRvp:
			return channel.NewRvp(d.loop, s.logger, events, channel.RvpConfig{
				URLPrefix:  s.config.RvpURLPrefix,
				HTTPClient: d.options.RvpHTTPClient,
			}), nil
		case authconfig.ChannelStream:
			binder := d.options.StreamBinder
			if binder == nil {
				hostname, err := os.Hostname()
				if err != nil {
					hostname = "localhost"
				}
				binder = &channel.TCPBinder{Host: hostname, BasePort: d.options.StreamBasePort}
			}
			return channel.NewStream(d.loop, s.logger, events, binder), nil
		case authconfig.ChannelAttr:
			if d.options.Radio == nil {
				return nil, fmt.Errorf("attr channel requested but no radio stack is available")
			}
			return channel.NewAttr(d.loop, s.logger, events, d.options.Radio, channel.AttrConfig{
				Commitment: commitment,
				Continuous: s.config.Continuous,
			}), nil
		}
		return nil, fmt.Errorf("unknown channel type %v", s.config.Channel)
	}

	var buildErr error
	builder := func(events channel.Events) channel.Channel {
		ch, err := buildChannel(events)
		if err != nil {
			buildErr = err
			return nil
		}
		return ch
	}

	dialer := d.options.BeaconDialer
	if dialer == nil {
		dialer = unreachableDialer{}
	}
	emitter := beacon.New(d.loop, s.logger, dialer)

	orch := session.New(d.loop, s.logger, builder, emitter, d.options.Factory, s, session.Options{
		Continuous: s.config.Continuous,
		Beacons:    s.config.Beacons,
		ConfigDir:  s.config.ConfigDir,
	})
	if buildErr != nil {
		return nil, buildErr
	}
	return orch, nil
}

// unreachableDialer is the beacon dialer used when no radio transport
// was wired in: every locate fails, so campaigns drain cleanly with
// nothing sent.
type unreachableDialer struct{}

func (unreachableDialer) Locate(target string) (io.WriteCloser, error) {
	return nil, fmt.Errorf("no beacon transport for %s", target)
}
