/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_SettleOnce(t *testing.T) {
	t.Parallel()

	s := NewSignal[int]()

	assert.False(t, s.IsSettled())
	assert.True(t, s.TrySettle(42))
	assert.False(t, s.TrySettle(43), "second settlement must be a no-op")

	assert.True(t, s.IsSettled())
	assert.Equal(t, 42, s.Wait(), "first settlement wins")

	val, settled := s.Value()
	assert.True(t, settled)
	assert.Equal(t, 42, val)
}

func TestSignal_MultipleWaiters(t *testing.T) {
	t.Parallel()

	s := NewSignal[string]()

	const waiters = 8
	results := make(chan string, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Wait()
		}()
	}

	s.TrySettle("done")
	wg.Wait()
	close(results)

	count := 0
	for res := range results {
		assert.Equal(t, "done", res)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestSignal_ConcurrentSettlement(t *testing.T) {
	t.Parallel()

	s := NewSignal[int]()

	const producers = 16
	wins := make(chan int, producers)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TrySettle(i) {
				wins <- i
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one producer must win")
	assert.Equal(t, winners[0], s.Wait())
}

func TestSignal_DoneChannel(t *testing.T) {
	t.Parallel()

	s := NewSignal[struct{}]()

	select {
	case <-s.Done():
		t.Fatal("Done channel must not be closed before settlement")
	default:
		// Expected
	}

	s.TrySettle(struct{}{})

	select {
	case <-s.Done():
		// Expected
	case <-time.After(time.Second):
		t.Fatal("Done channel should be closed after settlement")
	}
}
