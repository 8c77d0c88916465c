/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalTracker_EmptyTriggerFiresOnce(t *testing.T) {
	t.Parallel()

	tracker := newTerminalTracker(eventTerminated, eventExited)
	assert.Equal(t, 2, tracker.Remaining())

	assert.False(t, tracker.Observe(eventTerminated))
	assert.Equal(t, 1, tracker.Remaining())

	assert.True(t, tracker.Observe(eventExited), "emptying observation must trigger")
	assert.Equal(t, 0, tracker.Remaining())

	// Repeated observations never trigger again.
	assert.False(t, tracker.Observe(eventExited))
	assert.False(t, tracker.Observe(eventTerminated))
}

func TestTerminalTracker_UnknownEventIsNoOp(t *testing.T) {
	t.Parallel()

	tracker := newTerminalTracker(eventTerminated, eventExited)

	assert.False(t, tracker.Observe("output"))
	assert.False(t, tracker.Observe("stopped"))
	assert.Equal(t, 2, tracker.Remaining())
}

func TestTerminalTracker_ConcurrentObserversTriggerOnce(t *testing.T) {
	t.Parallel()

	tracker := newTerminalTracker(eventTerminated, eventExited)

	const observers = 16
	triggers := 0

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < observers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			eventType := eventTerminated
			if i%2 == 0 {
				eventType = eventExited
			}
			if tracker.Observe(eventType) {
				mu.Lock()
				triggers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, triggers, "concurrent observers must not both claim the empty transition")
	assert.Equal(t, 0, tracker.Remaining())
}
