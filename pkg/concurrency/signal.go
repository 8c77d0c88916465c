/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"sync"
)

// Signal is a one-shot signal cell: a value that is settled at most once and
// awaited by any number of consumers. Settlement attempts after the first are
// no-ops, which makes racing producers safe.
type Signal[T any] struct {
	lock    sync.Mutex
	done    chan struct{}
	settled bool
	value   T
}

func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{
		done: make(chan struct{}),
	}
}

// TrySettle settles the signal with the given value.
// Returns true if this call settled the signal, false if it was already settled.
func (s *Signal[T]) TrySettle(value T) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.settled {
		return false
	}

	s.settled = true
	s.value = value
	close(s.done)
	return true
}

// Done returns the channel that will be closed when the signal settles.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the signal settles and returns the settled value.
func (s *Signal[T]) Wait() T {
	<-s.done // Channel read establishes happens-before relationship for value read.
	return s.value
}

// Value returns the settled value, if any.
func (s *Signal[T]) Value() (T, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.value, s.settled
}

// IsSettled returns true if the signal has settled, otherwise false.
func (s *Signal[T]) IsSettled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.settled
}
