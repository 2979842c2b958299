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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (p *MemoryProvider) sessionOpen(invocationID string) bool {
	p.sessions.mu.Lock()
	defer p.sessions.mu.Unlock()
	return p.sessions.open[invocationID]
}

func TestOrchestratorPersistsAndClosesSession(t *testing.T) {
	provider := NewMemoryProvider(discardLogger())
	orch := NewOrchestrator(discardLogger(), provider)

	inv := invocation.New("inv-1")
	events := make(chan *buildevent.BuildEvent, 16)
	orch.StartSession(inv, events)
	require.True(t, provider.sessionOpen("inv-1"))

	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.Command = "build"
	})
	inv.AppendProgress("line one\n")
	inv.AppendProgress("line two\n")
	events <- &buildevent.BuildEvent{Kind: buildevent.KindProgress, Progress: &buildevent.Progress{Stderr: "x"}}
	events <- &buildevent.BuildEvent{Kind: buildevent.KindStarted, Started: &buildevent.BuildStarted{Command: "build"}}

	require.Eventually(t, func() bool {
		ref, err := provider.FetchRef(t.Context(), invocation.StreamID{InvocationID: "inv-1"})
		return err == nil && ref.InvocationDetails.Command == "build" &&
			len(ref.Progress) == 2
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := provider.FetchBuildEvents(t.Context(), invocation.StreamID{InvocationID: "inv-1"})
		return err == nil && len(stored) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// Disposal completes the change bus; closing the raw feed completes the
	// third pipeline, and only then does the session end.
	inv.Dispose()
	assert.True(t, provider.sessionOpen("inv-1"))
	close(events)

	require.Eventually(t, func() bool {
		return !provider.sessionOpen("inv-1")
	}, 3*time.Second, 20*time.Millisecond)

	ref, err := orch.FetchRef("inv-1")
	require.NoError(t, err)
	assert.Equal(t, "build", ref.InvocationDetails.Command)
	assert.Equal(t, []string{"line one\n", "line two\n"}, ref.Progress)

	stored, err := orch.FetchBuildEvents("inv-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOrchestratorFetchRefUnknown(t *testing.T) {
	orch := NewOrchestrator(discardLogger(), NewMemoryProvider(discardLogger()))
	_, err := orch.FetchRef("inv-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrchestratorCoalescesStateWrites(t *testing.T) {
	provider := NewMemoryProvider(discardLogger())
	orch := NewOrchestrator(discardLogger(), provider)

	inv := invocation.New("inv-1")
	events := make(chan *buildevent.BuildEvent)
	orch.StartSession(inv, events)

	// Many rapid mutations within one window end up as one snapshot whose
	// content is the latest state.
	for i := 0; i < 50; i++ {
		inv.UpdateDetails(func(d *invocation.InvocationDetails) {
			d.Metrics.ActionsExecuted++
		})
	}

	require.Eventually(t, func() bool {
		ref, err := provider.FetchRef(t.Context(), invocation.StreamID{InvocationID: "inv-1"})
		return err == nil && ref.InvocationDetails.Metrics.ActionsExecuted == 50
	}, 3*time.Second, 20*time.Millisecond)

	inv.Dispose()
	close(events)
	require.Eventually(t, func() bool {
		return !provider.sessionOpen("inv-1")
	}, 3*time.Second, 20*time.Millisecond)
}
