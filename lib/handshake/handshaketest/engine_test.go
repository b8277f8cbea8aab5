// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package handshaketest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/handshake"
	"github.com/mypico/pico-continuous/lib/identity"
)

// recorder captures every callback the engine makes.
type recorder struct {
	writes        [][]byte
	listens       int
	disconnects   int
	errors        int
	sessionEnds   int
	authenticated []handshake.Status
	states        []handshake.State
}

func (r *recorder) Write(data []byte) { r.writes = append(r.writes, data) }

func (r *recorder) SetTimeout(time.Duration) {}

func (r *recorder) Error() { r.errors++ }

func (r *recorder) Listen() { r.listens++ }

func (r *recorder) Disconnect() { r.disconnects++ }

func (r *recorder) SessionEnded() { r.sessionEnds++ }

func (r *recorder) Authenticated(s handshake.Status) {
	r.authenticated = append(r.authenticated, s)
}

func (r *recorder) StatusUpdated(s handshake.State) { r.states = append(r.states, s) }

func (r *recorder) lastWrite(t *testing.T) Message {
	t.Helper()
	if len(r.writes) == 0 {
		t.Fatal("no writes")
	}
	var message Message
	if err := json.Unmarshal(r.writes[len(r.writes)-1], &message); err != nil {
		t.Fatalf("decoding write: %v", err)
	}
	return message
}

func testService(t *testing.T) *identity.Service {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	service, err := identity.FromKey("desktop", key)
	if err != nil {
		t.Fatal(err)
	}
	return service
}

func testUsers() []authconfig.User {
	return []authconfig.User{
		{Name: "alice", PublicKey: []byte("alice-key"), SymmetricKey: []byte("alice-symmetric-key-32-bytes-pad")},
		{Name: "bob", PublicKey: []byte("bob-key"), SymmetricKey: []byte("bob-symmetric-key-32-bytes-padde")},
	}
}

func marshal(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func authMessage(user, key, extra string) Message {
	return Message{
		Type:      TypePicoAuth,
		User:      user,
		PublicKey: base64.StdEncoding.EncodeToString([]byte(key)),
		ExtraData: extra,
	}
}

// drive runs the exchange up to and including the pico-auth message.
func drive(t *testing.T, f handshake.FSM, r *recorder, auth Message) {
	t.Helper()
	f.Connected()
	f.Read(marshal(t, Message{Type: TypeStart}))
	if got := r.lastWrite(t); got.Type != TypeServiceAuth {
		t.Fatalf("reply to start = %q, want %q", got.Type, TypeServiceAuth)
	}
	f.Read(marshal(t, auth))
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.Start(testService(t), testUsers(), []byte("service-extra"))
	if r.listens != 1 {
		t.Fatalf("listens = %d, want 1", r.listens)
	}

	drive(t, f, r, authMessage("alice", "alice-key", "sealed-token"))

	if got := r.lastWrite(t); got.Type != TypeStatus || got.Status != "ok" {
		t.Errorf("status write = %+v", got)
	}
	if len(r.authenticated) != 1 || r.authenticated[0] != handshake.StatusOK {
		t.Errorf("authenticated = %v, want [StatusOK]", r.authenticated)
	}
	if f.AuthenticatedUser() != "alice" {
		t.Errorf("AuthenticatedUser = %q", f.AuthenticatedUser())
	}
	if string(f.SymmetricKey()) != "alice-symmetric-key-32-bytes-pad" {
		t.Errorf("SymmetricKey = %q", f.SymmetricKey())
	}
	if string(f.ReceivedExtraData()) != "sealed-token" {
		t.Errorf("ReceivedExtraData = %q", f.ReceivedExtraData())
	}
	if f.State() != handshake.StateAuthenticated {
		t.Errorf("State = %v", f.State())
	}
}

func TestContinuousReauthAndEnd(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.SetContinuous(true)
	f.Start(testService(t), testUsers(), nil)

	drive(t, f, r, authMessage("alice", "alice-key", ""))
	if len(r.authenticated) != 1 || r.authenticated[0] != handshake.StatusOKContinue {
		t.Fatalf("authenticated = %v, want [StatusOKContinue]", r.authenticated)
	}
	if f.State() != handshake.StateContinuing {
		t.Fatalf("State = %v, want continuing", f.State())
	}

	f.Read(marshal(t, Message{Type: TypeReauth}))
	if got := r.lastWrite(t); got.Type != TypeReauthAck {
		t.Errorf("reauth reply = %q", got.Type)
	}

	f.Read(marshal(t, Message{Type: TypeEnd}))
	if r.sessionEnds != 1 {
		t.Errorf("sessionEnds = %d, want 1", r.sessionEnds)
	}
	if f.State() != handshake.StateFin {
		t.Errorf("State = %v, want fin", f.State())
	}
}

func TestUnknownCredentialRejected(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.Start(testService(t), testUsers(), nil)

	// Bob's name with alice's key: not a table row.
	drive(t, f, r, authMessage("bob", "alice-key", ""))

	if got := r.lastWrite(t); got.Type != TypeStatus || got.Status != "rejected" {
		t.Errorf("status write = %+v", got)
	}
	if len(r.authenticated) != 1 || r.authenticated[0] != handshake.StatusRejected {
		t.Errorf("authenticated = %v, want [StatusRejected]", r.authenticated)
	}
	if f.State() != handshake.StateAuthFailed {
		t.Errorf("State = %v, want auth-failed", f.State())
	}
}

func TestDisconnectBeforeAuthIsAnError(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.Start(testService(t), testUsers(), nil)
	f.Connected()
	f.Disconnected()

	if r.errors != 1 {
		t.Errorf("errors = %d, want 1", r.errors)
	}
	if f.State() != handshake.StateError {
		t.Errorf("State = %v, want error", f.State())
	}
}

func TestDisconnectWhileContinuingEndsSession(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.SetContinuous(true)
	f.Start(testService(t), testUsers(), nil)
	drive(t, f, r, authMessage("alice", "alice-key", ""))

	f.Disconnected()
	if r.sessionEnds != 1 {
		t.Errorf("sessionEnds = %d, want 1", r.sessionEnds)
	}
}

func TestTimeoutFails(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.Start(testService(t), testUsers(), nil)
	f.Connected()
	f.Timeout()

	if r.errors != 1 {
		t.Errorf("errors = %d, want 1", r.errors)
	}
}

func TestStopAsksForDisconnect(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	f := Factory(r)
	f.Start(testService(t), testUsers(), nil)
	f.Connected()
	f.Stop()

	if r.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", r.disconnects)
	}
	if f.State() != handshake.StateFin {
		t.Errorf("State = %v, want fin", f.State())
	}

	// Terminal states absorb further events.
	f.Stop()
	f.Timeout()
	if r.disconnects != 1 || r.errors != 0 {
		t.Errorf("post-terminal events changed callbacks: disconnects=%d errors=%d", r.disconnects, r.errors)
	}
}
