/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"sync"
)

// PhaseKind identifies the session phase.
type PhaseKind int

const (
	// PhaseIdle is the initial phase; the session has not been started.
	PhaseIdle PhaseKind = iota

	// PhaseStarted means the debuggee computation and the protocol read loop
	// are running.
	PhaseStarted

	// PhaseCancelled is terminal; no transition ever leaves it.
	PhaseCancelled
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseIdle:
		return "idle"
	case PhaseStarted:
		return "started"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// phase is a tagged variant: exactly one payload is meaningful for a given
// kind (starter for PhaseIdle, handle for PhaseStarted, none for PhaseCancelled).
type phase struct {
	kind    PhaseKind
	starter DebuggeeStarter
	handle  *debuggeeHandle
}

// phaseCell holds the current phase and serializes transitions. Only the
// controller's Start and Cancel paths transform it.
type phaseCell struct {
	mu sync.Mutex
	p  phase
}

func newPhaseCell(starter DebuggeeStarter) *phaseCell {
	return &phaseCell{
		p: phase{kind: PhaseIdle, starter: starter},
	}
}

// transform atomically applies f to the current phase and returns the result.
// Concurrent callers never observe a torn intermediate phase.
func (c *phaseCell) transform(f func(phase) phase) phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.p = f(c.p)
	return c.p
}

// current returns the current phase.
func (c *phaseCell) current() phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.p
}

// debuggeeHandle is a cancellable handle to the running debuggee computation.
type debuggeeHandle struct {
	cancelFn   context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
}

// Cancel requests debuggee teardown. Idempotent; it does not wait for the
// computation to finish.
func (h *debuggeeHandle) Cancel() {
	h.cancelOnce.Do(h.cancelFn)
}

// Done returns the channel that is closed when the debuggee computation finishes.
func (h *debuggeeHandle) Done() <-chan struct{} {
	return h.done
}
