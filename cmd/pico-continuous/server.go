// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mypico/pico-continuous/lib/codec"
	"github.com/mypico/pico-continuous/lib/ipc"
)

// serve accepts IPC connections until the listener closes. Each client
// gets its own goroutine and its own owner tag; the goroutines only
// ever touch daemon state by posting onto the loop.
func (d *Daemon) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// The listening endpoint is gone; without it the daemon
			// has no callers and must not keep running.
			d.loop.Post(d.exit)
			return
		}

		d.nextOwner++
		owner := fmt.Sprintf("client-%d", d.nextOwner)
		go d.handleConnection(conn, owner)
	}
}

// handleConnection processes request/response cycles for one client.
// When the connection drops — client crash, PAM timeout, logout — the
// owner is reported lost and its unfinished sessions are cancelled.
func (d *Daemon) handleConnection(conn net.Conn, owner string) {
	defer conn.Close()
	defer d.loop.Post(func() { d.ownerLost(owner) })

	d.logger.Info("client connected", "owner", owner)
	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	for {
		var request ipc.Request
		if err := decoder.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Error("decoding IPC request", "owner", owner, "error", err)
			}
			return
		}

		response, exit := d.dispatch(owner, &request)
		if err := encoder.Encode(response); err != nil {
			d.logger.Error("encoding IPC response", "owner", owner, "error", err)
			return
		}
		if exit {
			d.loop.Post(d.exit)
			return
		}
	}
}

// dispatch routes one request. For complete-auth this blocks the
// connection goroutine (never the loop) until the session resolves.
func (d *Daemon) dispatch(owner string, request *ipc.Request) (ipc.Response, bool) {
	switch request.Method {
	case ipc.MethodStartAuth:
		d.logger.Info("start-auth", "owner", owner, "username", request.Username)
		result := make(chan ipc.StartAuthReply, 1)
		d.loop.Post(func() { d.startAuth(owner, request.Username, request.Parameters, result) })
		select {
		case reply := <-result:
			return ipc.Response{Method: request.Method, StartAuth: &reply}, false
		case <-d.loop.Done():
			return ipc.Response{Method: request.Method, StartAuth: &ipc.StartAuthReply{Handle: -1}}, false
		}

	case ipc.MethodCompleteAuth:
		d.logger.Info("complete-auth", "owner", owner, "handle", request.Handle)
		result := make(chan ipc.CompleteAuthReply, 1)
		d.loop.Post(func() { d.completeAuth(owner, request.Handle, result) })
		select {
		case reply := <-result:
			return ipc.Response{Method: request.Method, CompleteAuth: &reply}, false
		case <-d.loop.Done():
			return ipc.Response{Method: request.Method, CompleteAuth: &ipc.CompleteAuthReply{}}, false
		}

	case ipc.MethodExit:
		d.logger.Info("exit", "owner", owner)
		return ipc.Response{Method: request.Method, Exit: &ipc.ExitReply{Success: true}}, true

	default:
		d.logger.Error("unknown IPC method", "owner", owner, "method", request.Method)
		return ipc.Response{Method: request.Method, Error: "unknown method"}, false
	}
}
