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

package bes

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]<-chan *buildevent.BuildEvent
	refs     map[string]*invocation.Ref
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]<-chan *buildevent.BuildEvent{},
		refs:     map[string]*invocation.Ref{},
	}
}

func (f *fakeStore) StartSession(inv *invocation.Invocation, events <-chan *buildevent.BuildEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[inv.ID()] = events
}

func (f *fakeStore) FetchRef(invocationID string) (*invocation.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[invocationID], nil
}

func (f *fakeStore) session(invocationID string) <-chan *buildevent.BuildEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[invocationID]
}

func testRegistry(t *testing.T) (*Registry, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	registry := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	t.Cleanup(registry.Close)
	return registry, store
}

func TestRegistryLifecycle(t *testing.T) {
	registry, store := testRegistry(t)

	registry.NotifyInvocationStarted("inv-1")
	require.Eventually(t, func() bool {
		return store.session("inv-1") != nil
	}, time.Second, 10*time.Millisecond)

	registry.HandleBuildEvent("inv-1", &buildevent.BuildEvent{
		Kind:    buildevent.KindStarted,
		Started: &buildevent.BuildStarted{Command: "build"},
	})
	require.Eventually(t, func() bool {
		inv := registry.QueryFor("inv-1")
		return inv != nil && inv.State() == invocation.StateRunning
	}, time.Second, 10*time.Millisecond)

	// The raw event feed sees every dispatched event.
	events := store.session("inv-1")
	select {
	case event := <-events:
		assert.Equal(t, buildevent.KindStarted, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a raw event")
	}

	registry.NotifyInvocationFinished("inv-1")
	deadline := time.After(time.Second)
	for open := true; open; {
		select {
		case _, open = <-events:
		case <-deadline:
			t.Fatal("expected the raw event feed to close")
		}
	}
	assert.Nil(t, registry.QueryFor("inv-1"))
}

func TestRegistryQueryForFallsBackToPersisted(t *testing.T) {
	registry, store := testRegistry(t)

	assert.Nil(t, registry.QueryFor("inv-unknown"))

	ref := invocation.NewRef("inv-done")
	ref.InvocationDetails.ExitCode = &invocation.ExitCode{Name: "SUCCESS", Code: 0}
	store.mu.Lock()
	store.refs["inv-done"] = ref
	store.mu.Unlock()

	inv := registry.QueryFor("inv-done")
	require.NotNil(t, inv)
	assert.Equal(t, invocation.StateSuccessful, inv.State())
}

func TestRegistryDuplicateStartKeepsFirstSession(t *testing.T) {
	registry, store := testRegistry(t)

	registry.NotifyInvocationStarted("inv-1")
	require.Eventually(t, func() bool {
		return store.session("inv-1") != nil
	}, time.Second, 10*time.Millisecond)

	registry.HandleBuildEvent("inv-1", &buildevent.BuildEvent{
		Kind:    buildevent.KindStarted,
		Started: &buildevent.BuildStarted{Command: "build"},
	})
	require.Eventually(t, func() bool {
		inv := registry.QueryFor("inv-1")
		return inv != nil && inv.State() == invocation.StateRunning
	}, time.Second, 10*time.Millisecond)

	first := registry.QueryFor("inv-1")
	registry.NotifyInvocationStarted("inv-1")

	// Tasks run in order, so once this event is observable the duplicate
	// start has already been processed.
	feed := registry.RegisterForEvents("inv-1")
	registry.HandleBuildEvent("inv-1", &buildevent.BuildEvent{
		Kind:     buildevent.KindProgress,
		Progress: &buildevent.Progress{Stderr: "x"},
	})
	select {
	case <-feed:
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded event")
	}

	assert.Same(t, first, registry.QueryFor("inv-1"))
	assert.Equal(t, invocation.StateRunning, first.State())
}

func TestRegistryRegisterForEvents(t *testing.T) {
	registry, store := testRegistry(t)

	// Not live: closed channel.
	ch := registry.RegisterForEvents("inv-unknown")
	_, open := <-ch
	assert.False(t, open)

	registry.NotifyInvocationStarted("inv-1")
	require.Eventually(t, func() bool {
		return store.session("inv-1") != nil
	}, time.Second, 10*time.Millisecond)

	live := registry.RegisterForEvents("inv-1")
	registry.HandleBuildEvent("inv-1", &buildevent.BuildEvent{
		Kind:     buildevent.KindProgress,
		Progress: &buildevent.Progress{Stderr: "building...\n"},
	})

	select {
	case event := <-live:
		assert.Equal(t, buildevent.KindProgress, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded event")
	}
}

func TestRegistryDropsEventsForUnknownInvocation(t *testing.T) {
	registry, _ := testRegistry(t)

	// Must not panic or create state.
	registry.HandleBuildEvent("inv-unknown", &buildevent.BuildEvent{Kind: buildevent.KindProgress})
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, registry.QueryFor("inv-unknown"))
}
