// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/channel"
	"github.com/mypico/pico-continuous/lib/codec"
	"github.com/mypico/pico-continuous/lib/handshake/handshaketest"
	"github.com/mypico/pico-continuous/lib/identity"
	"github.com/mypico/pico-continuous/lib/ipc"
	"github.com/mypico/pico-continuous/lib/testutil"
)

// scriptedChannel is an in-memory transport the tests drive. Methods
// run on the daemon loop; tests reach it through harness helpers that
// post.
type scriptedChannel struct {
	events    channel.Events
	address   string
	connected bool
	cancels   int
	sent      chan []byte
}

func (c *scriptedChannel) Listen() (string, error) { return c.address, nil }

func (c *scriptedChannel) Send(payload []byte) error {
	c.sent <- payload
	return nil
}

func (c *scriptedChannel) Disconnect() {
	if c.connected {
		c.connected = false
		c.events.Disconnected()
	}
}

func (c *scriptedChannel) CancelPendingReads() { c.cancels++ }

func (c *scriptedChannel) Quiescent() bool { return !c.connected }

// harness runs one daemon over a scripted transport with a populated
// config directory.
type harness struct {
	t         *testing.T
	daemon    *Daemon
	socket    string
	configDir string
	service   *identity.Service
	channels  chan *scriptedChannel

	aliceSymmetric []byte
	lockFile       string
}

const (
	alicePublicKey = "alice-key"
	bobPublicKey   = "bob-key"
)

// newHarness boots a daemon. extraConfig, when non-empty, becomes the
// on-disk config.txt.
func newHarness(t *testing.T, extraConfig string) *harness {
	t.Helper()

	dir := t.TempDir()
	h := &harness{
		t:         t,
		socket:    filepath.Join(dir, "ipc.sock"),
		configDir: dir + "/",
		channels:  make(chan *scriptedChannel, maxSessions+4),
	}

	// Service identity key pair.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	privateDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, authconfig.PublicKeyFile, publicDER)
	writeFile(t, dir, authconfig.PrivateKeyFile, privateDER)
	h.service, err = identity.FromKey("desktop", key)
	if err != nil {
		t.Fatal(err)
	}

	// Paired users.
	h.aliceSymmetric = []byte("alice-symmetric-key-32-bytes-pad")
	bobSymmetric := []byte("bob-symmetric-key-32-bytes-padde")
	users := "alice:" + base64.StdEncoding.EncodeToString([]byte(alicePublicKey)) + ":" + base64.StdEncoding.EncodeToString(h.aliceSymmetric) + "\n" +
		"bob:" + base64.StdEncoding.EncodeToString([]byte(bobPublicKey)) + ":" + base64.StdEncoding.EncodeToString(bobSymmetric) + "\n"
	writeFile(t, dir, authconfig.UsersFile, []byte(users))

	if extraConfig != "" {
		writeFile(t, dir, authconfig.ConfigFile, []byte(extraConfig))
	}

	// Observable lock command.
	h.lockFile = filepath.Join(dir, "locked")
	lockScript := filepath.Join(dir, "lock.sh")
	script := "#!/bin/sh\necho \"$1\" > " + h.lockFile + "\n"
	if err := os.WriteFile(lockScript, []byte(script), 0700); err != nil {
		t.Fatal(err)
	}

	nextChannel := 0
	daemon, err := NewDaemon(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		SocketPath:  h.socket,
		ConfigDir:   h.configDir,
		ServiceName: "desktop",
		LockCommand: lockScript,
		Factory:     handshaketest.Factory,
		BuildChannel: func(config *authconfig.Config, commitment [32]byte, events channel.Events) (channel.Channel, error) {
			nextChannel++
			sc := &scriptedChannel{
				events:  events,
				address: fmt.Sprintf("http://test/channel/%d", nextChannel),
				sent:    make(chan []byte, 64),
			}
			h.channels <- sc
			return sc, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.daemon = daemon

	go daemon.Run()
	t.Cleanup(daemon.loop.Stop)

	// Wait for the socket to come up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", h.socket)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket never came up: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	return h
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
		t.Fatal(err)
	}
}

// onLoop runs f on the daemon loop and waits.
func (h *harness) onLoop(f func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.daemon.loop.Post(func() {
		f()
		close(done)
	})
	testutil.RequireClosed(h.t, done, 5*time.Second, "daemon loop continuation")
}

// takeChannel receives the transport built for the latest session.
func (h *harness) takeChannel() *scriptedChannel {
	h.t.Helper()
	return testutil.RequireReceive(h.t, h.channels, 5*time.Second, "session channel")
}

// connectAndAuthenticate drives the engine to a verdict on sc.
func (h *harness) connectAndAuthenticate(sc *scriptedChannel, user, userKey, sealedExtra string) {
	h.t.Helper()
	h.onLoop(func() {
		sc.connected = true
		sc.events.Connected()
		sc.events.Incoming(mustMarshal(h.t, handshaketest.Message{Type: handshaketest.TypeStart}))
		sc.events.Incoming(mustMarshal(h.t, handshaketest.Message{
			Type:      handshaketest.TypePicoAuth,
			User:      user,
			PublicKey: base64.StdEncoding.EncodeToString([]byte(userKey)),
			ExtraData: sealedExtra,
		}))
	})
}

// disconnect simulates the peer going away.
func (h *harness) disconnect(sc *scriptedChannel) {
	h.t.Helper()
	h.onLoop(func() { sc.Disconnect() })
}

// waitHarvested polls until the slot for handle is free or harvestable.
func (h *harness) waitHarvested(handle int32) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var settled bool
		h.onLoop(func() {
			s := h.daemon.registry.Get(int(handle))
			settled = s == nil || s.state == sessionHarvestable
		})
		if settled {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("session %d never settled", handle)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustMarshal(t *testing.T, m handshaketest.Message) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// client is one IPC connection.
type client struct {
	t       *testing.T
	conn    net.Conn
	encoder interface{ Encode(any) error }
	decoder interface{ Decode(any) error }
}

func (h *harness) client() *client {
	h.t.Helper()
	conn, err := net.Dial("unix", h.socket)
	if err != nil {
		h.t.Fatalf("dialing daemon: %v", err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return &client{
		t:       h.t,
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
	}
}

func (c *client) startAuth(username, parameters string) ipc.StartAuthReply {
	c.t.Helper()
	if err := c.encoder.Encode(ipc.Request{Method: ipc.MethodStartAuth, Username: username, Parameters: parameters}); err != nil {
		c.t.Fatalf("sending start-auth: %v", err)
	}
	var response ipc.Response
	if err := c.decoder.Decode(&response); err != nil {
		c.t.Fatalf("reading start-auth reply: %v", err)
	}
	if response.StartAuth == nil {
		c.t.Fatalf("start-auth response missing payload: %+v", response)
	}
	return *response.StartAuth
}

// completeAuthAsync issues complete-auth and returns the channel its
// eventual reply arrives on.
func (c *client) completeAuthAsync(handle int32) <-chan ipc.CompleteAuthReply {
	c.t.Helper()
	if err := c.encoder.Encode(ipc.Request{Method: ipc.MethodCompleteAuth, Handle: handle}); err != nil {
		c.t.Fatalf("sending complete-auth: %v", err)
	}
	result := make(chan ipc.CompleteAuthReply, 1)
	go func() {
		var response ipc.Response
		if err := c.decoder.Decode(&response); err != nil {
			close(result)
			return
		}
		if response.CompleteAuth != nil {
			result <- *response.CompleteAuth
		}
	}()
	return result
}

func (c *client) completeAuth(handle int32) ipc.CompleteAuthReply {
	c.t.Helper()
	return testutil.RequireReceive(c.t, c.completeAuthAsync(handle), 10*time.Second, "complete-auth reply")
}

func (c *client) exit() {
	c.t.Helper()
	if err := c.encoder.Encode(ipc.Request{Method: ipc.MethodExit}); err != nil {
		c.t.Fatalf("sending exit: %v", err)
	}
	var response ipc.Response
	if err := c.decoder.Decode(&response); err != nil {
		c.t.Fatalf("reading exit reply: %v", err)
	}
}

// sealedToken encrypts a token under alice's symmetric key.
func (h *harness) sealedToken(token string) string {
	h.t.Helper()
	sealed, err := identity.SealToken(h.aliceSymmetric, token)
	if err != nil {
		h.t.Fatal(err)
	}
	return sealed
}

func TestHappyPathNonContinuous(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("alice", `{"any_user":0,"beacons":0}`)
	if !reply.Success || reply.Handle < 0 {
		t.Fatalf("start-auth reply = %+v", reply)
	}
	if _, err := identity.VerifyInvitationCode(h.service, reply.Code); err != nil {
		t.Fatalf("invitation code does not verify: %v", err)
	}

	sc := h.takeChannel()
	h.connectAndAuthenticate(sc, "alice", alicePublicKey, h.sealedToken("Passuser0"))

	complete := c.completeAuth(reply.Handle)
	if !complete.Success || complete.Username != "alice" || complete.Token != "Passuser0" {
		t.Fatalf("complete-auth reply = %+v", complete)
	}

	// The slot is reclaimed by the next start-auth.
	h.waitHarvested(reply.Handle)
	again := c.startAuth("alice", `{"beacons":0}`)
	if !again.Success || again.Handle != reply.Handle {
		t.Errorf("reallocation reply = %+v, want handle %d", again, reply.Handle)
	}
}

func TestCompleteBeforeResultBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("alice", `{}`)
	sc := h.takeChannel()

	pending := c.completeAuthAsync(reply.Handle)
	select {
	case early := <-pending:
		t.Fatalf("complete-auth replied before the handshake: %+v", early)
	case <-time.After(50 * time.Millisecond):
	}

	h.connectAndAuthenticate(sc, "alice", alicePublicKey, h.sealedToken("Passuser0"))
	complete := testutil.RequireReceive(t, pending, 10*time.Second, "complete-auth reply")
	if !complete.Success || complete.Username != "alice" {
		t.Errorf("complete-auth reply = %+v", complete)
	}
}

func TestAnyUserUnknownCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("", `{"any_user":1,"beacons":0}`)
	if !reply.Success {
		t.Fatalf("start-auth reply = %+v", reply)
	}
	sc := h.takeChannel()
	h.connectAndAuthenticate(sc, "mallory", "mallory-key", "")

	complete := c.completeAuth(reply.Handle)
	if complete.Success || complete.Username != "" || complete.Token != "" {
		t.Errorf("complete-auth reply = %+v, want empty failure", complete)
	}
}

func TestSpecificUserWrongCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("alice", `{"any_user":0}`)
	if !reply.Success {
		t.Fatalf("start-auth reply = %+v", reply)
	}
	sc := h.takeChannel()
	// Bob's credential against a session filtered to alice.
	h.connectAndAuthenticate(sc, "bob", bobPublicKey, "")

	complete := c.completeAuth(reply.Handle)
	if complete.Success || complete.Username != "" {
		t.Errorf("complete-auth reply = %+v, want failure", complete)
	}
}

func TestUnknownUserFailsBeforeHandshake(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("nosuchuser", `{"any_user":0}`)
	if reply.Success {
		t.Fatalf("start-auth reply = %+v, want failure", reply)
	}

	complete := c.completeAuth(reply.Handle)
	if complete.Success || complete.Username != "" {
		t.Errorf("complete-auth reply = %+v, want failure", complete)
	}

	// No transport was ever built: the session failed before the
	// handshake.
	select {
	case <-h.channels:
		t.Error("a transport was built for a session that failed the user filter")
	default:
	}
}

func TestOwnerLostCancelsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	first := h.client()

	reply := first.startAuth("alice", `{}`)
	if !reply.Success {
		t.Fatalf("start-auth reply = %+v", reply)
	}
	h.takeChannel()

	// The caller disappears before complete-auth.
	first.conn.Close()
	h.waitHarvested(reply.Handle)

	// A late complete-auth from another caller observes failure.
	second := h.client()
	complete := second.completeAuth(reply.Handle)
	if complete.Success || complete.Username != "" {
		t.Errorf("complete-auth reply = %+v, want failure", complete)
	}
}

func TestLockedAnyUserKey(t *testing.T) {
	t.Parallel()

	// The file grants any_user; the key is locked, so the file's value
	// must be discarded and the unknown user must fail the filter.
	h := newHarness(t, `{"any_user":1}`)
	c := h.client()

	reply := c.startAuth("ghost", `{}`)
	if reply.Success {
		t.Error("file-level any_user was honoured; the key is locked to callers")
	}

	// The caller can still grant it.
	granted := c.startAuth("ghost", `{"any_user":1}`)
	if !granted.Success {
		t.Errorf("caller-level any_user refused: %+v", granted)
	}
	h.takeChannel()
}

func TestCapacityExhaustion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	var handles []int32
	for i := 0; i < maxSessions; i++ {
		reply := c.startAuth("alice", `{}`)
		if !reply.Success {
			t.Fatalf("start-auth #%d = %+v", i, reply)
		}
		handles = append(handles, reply.Handle)
		h.takeChannel()
	}

	overflow := c.startAuth("alice", `{}`)
	if overflow.Success || overflow.Handle != -1 || overflow.Code != "" {
		t.Fatalf("overflow reply = %+v, want (-1, \"\", false)", overflow)
	}

	// Free one slot and capacity returns.
	h.onLoop(func() { h.daemon.registry.Get(int(handles[3])).stop() })
	h.waitHarvested(handles[3])

	again := c.startAuth("alice", `{}`)
	if !again.Success || again.Handle != handles[3] {
		t.Errorf("post-harvest reply = %+v, want handle %d", again, handles[3])
	}
}

func TestContinuousLockOnContactLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("alice", `{"continuous":1}`)
	if !reply.Success {
		t.Fatalf("start-auth reply = %+v", reply)
	}
	sc := h.takeChannel()
	h.connectAndAuthenticate(sc, "alice", alicePublicKey, h.sealedToken("Passuser0"))

	complete := c.completeAuth(reply.Handle)
	if !complete.Success {
		t.Fatalf("complete-auth reply = %+v", complete)
	}

	// Still continuing: the session survives its own success.
	h.onLoop(func() {
		if got := h.daemon.registry.Get(int(reply.Handle)).state; got != sessionContinuing {
			t.Errorf("state = %v, want continuing", got)
		}
	})

	// Contact lost: the session ends and the lock command fires.
	h.disconnect(sc)
	h.waitHarvested(reply.Handle)

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(h.lockFile)
		if err == nil {
			if got := string(data); got != "alice\n" {
				t.Errorf("lock file = %q, want alice", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("lock command never ran")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupersededContinuousSessionStopsAndLocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	older := c.startAuth("alice", `{"continuous":1}`)
	sc := h.takeChannel()
	h.connectAndAuthenticate(sc, "alice", alicePublicKey, h.sealedToken("Passuser0"))
	if got := c.completeAuth(older.Handle); !got.Success {
		t.Fatalf("older session result = %+v", got)
	}

	// A fresh session for the same user and service supersedes the
	// continuing one.
	fresh := c.startAuth("alice", `{"continuous":1}`)
	if !fresh.Success {
		t.Fatalf("fresh start-auth = %+v", fresh)
	}
	h.takeChannel()

	h.waitHarvested(older.Handle)

	// The superseded session was continuous and had authenticated, so
	// its wind-down issues the lock.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.ReadFile(h.lockFile); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("superseded session never locked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTimeoutStopsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()

	reply := c.startAuth("alice", `{"timeout_seconds":0.05}`)
	if !reply.Success {
		t.Fatalf("start-auth reply = %+v", reply)
	}
	h.takeChannel()

	// Nobody connects; the ceiling passes and the session settles.
	h.waitHarvested(reply.Handle)
	complete := c.completeAuth(reply.Handle)
	if complete.Success {
		t.Errorf("complete-auth reply = %+v, want failure", complete)
	}
}

func TestExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.client()
	c.exit()

	testutil.RequireClosed(t, h.daemon.loop.Done(), 5*time.Second, "daemon loop stopped")
}
