// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package persist

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchCollector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *batchCollector) flush(batch []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]int(nil), batch...))
}

func (c *batchCollector) snapshot() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]int, len(c.batches))
	copy(out, c.batches)
	return out
}

func TestBatcherFlushesOnClose(t *testing.T) {
	in := make(chan int, 8)
	collector := &batchCollector{}
	done := make(chan struct{})
	go func() {
		runBatcher(in, time.Hour, time.Hour, collector.flush)
		close(done)
	}()

	in <- 1
	in <- 2
	in <- 3
	close(in)
	<-done

	require.Equal(t, [][]int{{1, 2, 3}}, collector.snapshot())
}

func TestBatcherFlushesOnGap(t *testing.T) {
	in := make(chan int)
	collector := &batchCollector{}
	done := make(chan struct{})
	go func() {
		runBatcher(in, time.Hour, 20*time.Millisecond, collector.flush)
		close(done)
	}()

	in <- 1
	in <- 2
	require.Eventually(t, func() bool {
		return len(collector.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	in <- 3
	close(in)
	<-done

	require.Equal(t, [][]int{{1, 2}, {3}}, collector.snapshot())
}

func TestBatcherFlushesOnWindow(t *testing.T) {
	in := make(chan int)
	collector := &batchCollector{}
	done := make(chan struct{})
	go func() {
		// The gap never elapses because items keep arriving; the window
		// bounds batch latency.
		runBatcher(in, 50*time.Millisecond, time.Hour, collector.flush)
		close(done)
	}()

	stop := make(chan struct{})
	var feeder sync.WaitGroup
	feeder.Add(1)
	go func() {
		defer feeder.Done()
		i := 0
		for {
			select {
			case in <- i:
				i++
				time.Sleep(5 * time.Millisecond)
			case <-stop:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	close(stop)
	feeder.Wait()
	close(in)
	<-done

	var total int
	for _, batch := range collector.snapshot() {
		assert.NotEmpty(t, batch)
		total += len(batch)
	}
	// Every item shows up exactly once, in order.
	seen := 0
	for _, batch := range collector.snapshot() {
		for _, v := range batch {
			assert.Equal(t, seen, v)
			seen++
		}
	}
	assert.Equal(t, total, seen)
}

func TestBatcherNeverFlushesEmpty(t *testing.T) {
	in := make(chan int)
	collector := &batchCollector{}
	done := make(chan struct{})
	go func() {
		runBatcher(in, 10*time.Millisecond, 5*time.Millisecond, collector.flush)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(in)
	<-done

	assert.Empty(t, collector.snapshot())
}

func TestCountdownLatch(t *testing.T) {
	latch := newCountdownLatch(3)

	latch.countDown()
	latch.countDown()
	select {
	case <-latch.wait():
		t.Fatal("latch completed early")
	default:
	}

	latch.countDown()
	select {
	case <-latch.wait():
	case <-time.After(time.Second):
		t.Fatal("latch never completed")
	}

	assert.Panics(t, func() { latch.countDown() })
}
