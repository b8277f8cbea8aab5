// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "log/slog"

// maxSessions bounds the number of simultaneous authentication
// sessions.
const maxSessions = 16

// registry is a sparse fixed-capacity table of live sessions plus a
// doubly-linked live list for O(live) iteration. Owned by the reactor
// loop; no synchronization.
type registry struct {
	logger *slog.Logger

	slots [maxSessions]*authSession
	head  *authSession

	// nextAvailable is the lowest-index free slot, hunted upward on
	// allocation and pulled back down on removal.
	nextAvailable int
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{logger: logger}
}

// Add harvests finished sessions, then claims the smallest free slot
// for s and returns its handle, or -1 when the pool is exhausted.
func (r *registry) Add(s *authSession) int {
	r.Harvest()

	handle := r.nextAvailable
	if handle >= maxSessions {
		r.logger.Error("session pool exhausted", "capacity", maxSessions)
		return -1
	}

	s.handle = handle
	s.next = r.head
	if r.head != nil {
		r.head.prev = s
	}
	r.head = s
	r.slots[handle] = s

	for r.nextAvailable < maxSessions && r.slots[r.nextAvailable] != nil {
		r.nextAvailable++
	}
	r.logger.Info("session allocated", "handle", handle)
	return handle
}

// Remove detaches the session at handle from the live list and frees
// its slot.
func (r *registry) Remove(handle int) {
	if handle < 0 || handle >= maxSessions {
		return
	}
	s := r.slots[handle]
	if s == nil {
		return
	}

	if r.head == s {
		r.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	if s.prev != nil {
		s.prev.next = s.next
	}
	s.next, s.prev = nil, nil

	r.slots[handle] = nil
	if handle < r.nextAvailable {
		r.nextAvailable = handle
	}
	r.logger.Info("session removed", "handle", handle)
}

// Get returns the session at handle, or nil.
func (r *registry) Get(handle int) *authSession {
	if handle < 0 || handle >= maxSessions {
		return nil
	}
	return r.slots[handle]
}

// Harvest reclaims every session that has reached harvestable.
func (r *registry) Harvest() {
	for s := r.head; s != nil; {
		next := s.next
		if s.state == sessionHarvestable {
			r.Remove(s.handle)
		}
		s = next
	}
}

// OwnerLost cancels every pre-completed session belonging to owner.
func (r *registry) OwnerLost(owner string) {
	if owner == "" {
		return
	}
	for s := r.head; s != nil; {
		next := s.next
		if s.owner == owner {
			r.logger.Info("owner lost, cancelling session", "owner", owner, "handle", s.handle)
			s.ownerLost()
		}
		s = next
	}
}

// StopSimilar stops every OTHER session that is continuously
// authenticating the same user against the same service commitment. A
// fresh lock-screen session supersedes a lingering continuous one; the
// older session stops on its own terms, which (being continuous)
// triggers its lock-on-end behaviour.
func (r *registry) StopSimilar(fresh *authSession) {
	commitment, ok := fresh.serviceCommitment()
	if !ok {
		return
	}
	for s := r.head; s != nil; s = s.next {
		if s == fresh || s.state != sessionContinuing || s.username != fresh.username {
			continue
		}
		other, ok := s.serviceCommitment()
		if !ok || other != commitment {
			continue
		}
		r.logger.Info("stopping superseded continuous session", "handle", s.handle)
		s.stop()
	}
}

// Live returns the number of live sessions, for tests and logging.
func (r *registry) Live() int {
	count := 0
	for s := r.head; s != nil; s = s.next {
		count++
	}
	return count
}
