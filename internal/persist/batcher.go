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

import "time"

// runBatcher micro-batches items from in. A batch flushes when the window
// elapses since its first item, when no item has arrived for gap, or when
// the channel closes. Empty batches are never flushed; flush is called from
// this goroutine, so batches within one pipeline flush in order.
func runBatcher[T any](in <-chan T, window, gap time.Duration, flush func([]T)) {
	var buf []T

	windowTimer := time.NewTimer(window)
	windowTimer.Stop()
	gapTimer := time.NewTimer(gap)
	gapTimer.Stop()
	defer windowTimer.Stop()
	defer gapTimer.Stop()

	emit := func() {
		windowTimer.Stop()
		gapTimer.Stop()
		if len(buf) == 0 {
			return
		}
		flush(buf)
		buf = nil
	}

	for {
		select {
		case item, ok := <-in:
			if !ok {
				emit()
				return
			}
			if len(buf) == 0 {
				windowTimer.Reset(window)
			}
			buf = append(buf, item)
			gapTimer.Reset(gap)
		case <-windowTimer.C:
			emit()
		case <-gapTimer.C:
			emit()
		}
	}
}
