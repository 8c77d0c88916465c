/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"sync"
)

// terminalTracker tracks the terminal event types that are still expected
// before the protocol conversation is considered over. The set only ever
// shrinks; it never re-grows.
type terminalTracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
	fired   bool
}

func newTerminalTracker(eventTypes ...string) *terminalTracker {
	pending := make(map[string]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		pending[et] = struct{}{}
	}
	return &terminalTracker{pending: pending}
}

// Observe removes eventType from the expected set. It returns true on exactly
// one call: the one that empties the set. The decision is made under the lock,
// so concurrent observers can never both claim the empty transition.
func (t *terminalTracker) Observe(eventType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.pending, eventType)

	if len(t.pending) == 0 && !t.fired {
		t.fired = true
		return true
	}
	return false
}

// Remaining returns the number of terminal events still expected.
func (t *terminalTracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}
