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

import "sync/atomic"

// countdownLatch completes once countDown has been called the configured
// number of times. Completion is one-shot; counting below zero panics,
// since that indicates a pipeline reported completion twice.
type countdownLatch struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newCountdownLatch(count int) *countdownLatch {
	l := &countdownLatch{done: make(chan struct{})}
	l.remaining.Store(int64(count))
	return l
}

func (l *countdownLatch) countDown() {
	n := l.remaining.Add(-1)
	if n == 0 {
		close(l.done)
	}
	if n < 0 {
		panic("countdown latch already at zero")
	}
}

// wait returns a channel closed when the latch reaches zero.
func (l *countdownLatch) wait() <-chan struct{} {
	return l.done
}
