// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshaketest provides a deterministic in-memory handshake
// engine implementing the handshake contract. It runs a plain JSON
// message exchange with no cryptography beyond the sealed extra-data
// pass-through, which makes every protocol path drivable from tests:
// happy-path authentication, rejection, continuous re-authentication,
// disconnects, and timeouts.
//
// It is not an authentication protocol. Production deployments link a
// real engine and register it with handshake.Register.
package handshaketest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/handshake"
	"github.com/mypico/pico-continuous/lib/identity"
)

// protocolTimeout is the inactivity bound the engine asks the
// transport to enforce between peer messages.
const protocolTimeout = 10 * time.Second

// Message is the wire form of every engine message. Phones under test
// send and receive these as JSON.
type Message struct {
	Type       string `json:"t"`
	User       string `json:"user,omitempty"`
	PublicKey  string `json:"key,omitempty"`
	ExtraData  string `json:"ed,omitempty"`
	Commitment string `json:"commitment,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Message type tags.
const (
	TypeStart       = "start"
	TypeServiceAuth = "service-auth"
	TypePicoAuth    = "pico-auth"
	TypeStatus      = "status"
	TypeReauth      = "reauth"
	TypeReauthAck   = "reauth-ack"
	TypeEnd         = "end"
)

// Factory builds engine FSMs. Pass it to the daemon, or call Install
// to make it the process-wide default.
func Factory(cb handshake.Callbacks) handshake.FSM {
	return &fsm{cb: cb, state: handshake.StateDormant}
}

// Install registers Factory as the process-wide engine.
func Install() { handshake.Register(Factory) }

type fsm struct {
	cb         handshake.Callbacks
	state      handshake.State
	continuous bool

	service   *identity.Service
	users     []authconfig.User
	extraData []byte

	authenticatedUser string
	symmetricKey      []byte
	receivedExtra     []byte
}

func (f *fsm) SetContinuous(continuous bool) { f.continuous = continuous }

func (f *fsm) Start(service *identity.Service, users []authconfig.User, extraData []byte) {
	f.service = service
	f.users = users
	f.extraData = extraData
	f.cb.Listen()
}

func (f *fsm) Connected() {
	if f.terminal() {
		return
	}
	f.cb.SetTimeout(protocolTimeout)
	f.setState(handshake.StateStart)
}

func (f *fsm) Read(data []byte) {
	if f.terminal() {
		return
	}

	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		f.fail()
		return
	}
	f.cb.SetTimeout(protocolTimeout)

	switch f.state {
	case handshake.StateStart:
		if message.Type != TypeStart {
			f.fail()
			return
		}
		f.setState(handshake.StateServiceAuth)
		commitment := f.service.Commitment()
		f.send(Message{
			Type:       TypeServiceAuth,
			Commitment: base64.StdEncoding.EncodeToString(commitment[:]),
		})
		f.setState(handshake.StatePicoAuth)

	case handshake.StatePicoAuth:
		if message.Type != TypePicoAuth {
			f.fail()
			return
		}
		f.verify(message)

	case handshake.StateContinuing:
		switch message.Type {
		case TypeReauth:
			f.send(Message{Type: TypeReauthAck})
		case TypeEnd:
			f.setState(handshake.StateFin)
			f.cb.SessionEnded()
		default:
			f.fail()
		}

	default:
		f.fail()
	}
}

// verify resolves a pico-auth message against the user table. The
// table was filtered by the orchestrator, so membership is the whole
// check.
func (f *fsm) verify(message Message) {
	peerKey, err := base64.StdEncoding.DecodeString(message.PublicKey)
	if err != nil {
		f.reject()
		return
	}

	for _, user := range f.users {
		if user.Name != message.User || !bytes.Equal(user.PublicKey, peerKey) {
			continue
		}

		f.authenticatedUser = user.Name
		f.symmetricKey = user.SymmetricKey
		f.receivedExtra = []byte(message.ExtraData)
		f.setState(handshake.StateStatus)

		status := handshake.StatusOK
		statusText := "ok"
		if f.continuous {
			status = handshake.StatusOKContinue
			statusText = "ok-continue"
		}
		f.send(Message{Type: TypeStatus, Status: statusText, ExtraData: string(f.extraData)})
		f.setState(handshake.StateAuthenticated)
		f.cb.Authenticated(status)
		if f.continuous {
			f.setState(handshake.StateContinuing)
		}
		return
	}
	f.reject()
}

func (f *fsm) Disconnected() {
	switch f.state {
	case handshake.StateAuthenticated, handshake.StateContinuing:
		f.setState(handshake.StateFin)
		f.cb.SessionEnded()
	case handshake.StateFin, handshake.StateError, handshake.StateAuthFailed, handshake.StateInvalid:
		// Already settled.
	default:
		f.fail()
	}
}

func (f *fsm) Timeout() {
	if f.terminal() {
		return
	}
	f.fail()
}

func (f *fsm) Stop() {
	if f.terminal() {
		return
	}
	f.setState(handshake.StateFin)
	f.cb.Disconnect()
}

func (f *fsm) ReceivedExtraData() []byte { return f.receivedExtra }

func (f *fsm) SymmetricKey() []byte { return f.symmetricKey }

func (f *fsm) AuthenticatedUser() string { return f.authenticatedUser }

func (f *fsm) State() handshake.State { return f.state }

func (f *fsm) terminal() bool {
	switch f.state {
	case handshake.StateFin, handshake.StateError, handshake.StateAuthFailed:
		return true
	}
	return false
}

func (f *fsm) setState(state handshake.State) {
	f.state = state
	f.cb.StatusUpdated(state)
}

func (f *fsm) send(message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		f.fail()
		return
	}
	f.cb.Write(data)
}

func (f *fsm) reject() {
	f.send(Message{Type: TypeStatus, Status: "rejected"})
	f.setState(handshake.StateAuthFailed)
	f.cb.Authenticated(handshake.StatusRejected)
}

func (f *fsm) fail() {
	f.setState(handshake.StateError)
	f.cb.Error()
}
