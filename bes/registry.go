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
	"log/slog"
	"sync"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

// SessionStore opens and feeds a persistence session per invocation and
// serves persisted snapshots back for querying.
type SessionStore interface {
	StartSession(inv *invocation.Invocation, events <-chan *buildevent.BuildEvent)
	FetchRef(invocationID string) (*invocation.Ref, error)
}

// rawEventBuffer bounds the per-invocation raw event feed. The persistence
// pipeline drains continuously, so the buffer only absorbs bursts.
const rawEventBuffer = 1024

// eventStream fans decoded build events out to the persistence session and
// any registered dashboard listeners.
type eventStream struct {
	mu     sync.Mutex
	subs   []chan *buildevent.BuildEvent
	closed bool
}

func newEventStream() *eventStream {
	return &eventStream{}
}

func (s *eventStream) subscribe() <-chan *buildevent.BuildEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *buildevent.BuildEvent, rawEventBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *eventStream) publish(event *buildevent.BuildEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// Registry owns the live invocation aggregates, one per open build event
// stream. A single dispatch goroutine applies lifecycle transitions and
// event handling, which preserves receipt order and keeps a single writer
// per aggregate; RPC handlers only enqueue.
type Registry struct {
	logger  *slog.Logger
	store   SessionStore
	handler *EventHandler

	tasks     chan func()
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu      sync.RWMutex
	data    map[string]*invocation.Invocation
	streams map[string]*eventStream
}

// dispatchBacklog bounds the task queue feeding the dispatch goroutine.
const dispatchBacklog = 4096

// NewRegistry returns a running registry. Close stops its dispatcher.
func NewRegistry(logger *slog.Logger, store SessionStore) *Registry {
	r := &Registry{
		logger:  logger,
		store:   store,
		handler: NewEventHandler(logger),
		tasks:   make(chan func(), dispatchBacklog),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		data:    map[string]*invocation.Invocation{},
		streams: map[string]*eventStream{},
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.closing:
			for {
				select {
				case task := <-r.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Close drains the dispatch queue and disposes every live session.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inv := range r.data {
		inv.Dispose()
		delete(r.data, id)
	}
	for id, stream := range r.streams {
		stream.close()
		delete(r.streams, id)
	}
}

// enqueue hands a task to the dispatch goroutine. The RPC path never runs
// handler logic inline. Tasks submitted during shutdown are dropped.
func (r *Registry) enqueue(task func()) {
	select {
	case r.tasks <- task:
	case <-r.closing:
	}
}

// NotifyInvocationStarted creates the aggregate and opens the persistence
// session for the stream.
func (r *Registry) NotifyInvocationStarted(invocationID string) {
	r.enqueue(func() {
		r.logger.Info("Starting streaming ref", slog.String("invocationId", invocationID))

		inv := invocation.New(invocationID)
		stream := newEventStream()

		r.mu.Lock()
		if _, exists := r.data[invocationID]; exists {
			r.mu.Unlock()
			r.logger.Warn("Invocation already live, ignoring duplicate start",
				slog.String("invocationId", invocationID))
			return
		}
		r.data[invocationID] = inv
		r.streams[invocationID] = stream
		r.mu.Unlock()

		r.store.StartSession(inv, stream.subscribe())
	})
}

// NotifyInvocationFinished disposes the aggregate and completes the raw
// event feed, which lets the persistence session drain and close.
func (r *Registry) NotifyInvocationFinished(invocationID string) {
	r.enqueue(func() {
		r.mu.Lock()
		inv, ok := r.data[invocationID]
		if !ok {
			r.mu.Unlock()
			return
		}
		stream := r.streams[invocationID]
		delete(r.data, invocationID)
		delete(r.streams, invocationID)
		r.mu.Unlock()

		inv.Dispose()
		stream.close()
		r.logger.Info("Disposed of streaming ref", slog.String("invocationId", invocationID))
	})
}

// HandleBuildEvent folds one decoded event into the invocation and forwards
// the raw event to the per-invocation feed. Events for unknown invocations
// are dropped.
func (r *Registry) HandleBuildEvent(invocationID string, event *buildevent.BuildEvent) {
	r.enqueue(func() {
		r.mu.RLock()
		inv, ok := r.data[invocationID]
		stream := r.streams[invocationID]
		r.mu.RUnlock()
		if !ok {
			return
		}

		r.handler.Handle(inv, event)
		if stream != nil {
			stream.publish(event)
		}
	})
}

// QueryFor returns the live aggregate for the invocation, or one restored
// from the persisted snapshot, or nil when neither exists.
func (r *Registry) QueryFor(invocationID string) *invocation.Invocation {
	r.mu.RLock()
	inv, ok := r.data[invocationID]
	r.mu.RUnlock()
	if ok {
		return inv
	}

	ref, err := r.store.FetchRef(invocationID)
	if err != nil || ref == nil {
		return nil
	}
	return invocation.FromRef(ref)
}

// RegisterForEvents returns a feed of the invocation's raw build events, or
// a closed channel when the invocation is not live.
func (r *Registry) RegisterForEvents(invocationID string) <-chan *buildevent.BuildEvent {
	r.mu.RLock()
	stream, ok := r.streams[invocationID]
	r.mu.RUnlock()
	if !ok {
		ch := make(chan *buildevent.BuildEvent)
		close(ch)
		return ch
	}
	return stream.subscribe()
}
