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

package invocation

import (
	"sync"
)

// Invocation lifecycle states.
const (
	StateStarted    = "started"
	StateRunning    = "running"
	StateSuccessful = "successful"
	StateFailed     = "failed"
)

// ChangeKind tags one mutation notification.
type ChangeKind string

const (
	ChangeState           ChangeKind = "state"
	ChangeTargets         ChangeKind = "targets"
	ChangeDetails         ChangeKind = "details"
	ChangeProgress        ChangeKind = "progress"
	ChangeHost            ChangeKind = "host"
	ChangeWorkspaceStatus ChangeKind = "workspacestatus"
	ChangeCommandLine     ChangeKind = "commandline"
	ChangeFetched         ChangeKind = "fetched"
	ChangeFileSet         ChangeKind = "fileset"
)

// Change is one mutation notification. Payload holds the changed subset for
// kinds that carry deltas (targets, progress, fetched, fileset); the other
// kinds carry the full current value of their semantic area.
type Change struct {
	Kind         ChangeKind `json:"event"`
	InvocationID string     `json:"invocationId"`
	Payload      any        `json:"payload,omitempty"`
}

// subscriberBuffer bounds each subscriber's channel. A subscriber that falls
// this far behind starts losing notifications rather than blocking the
// mutation path.
const subscriberBuffer = 256

type subscriber struct {
	ch    chan Change
	kinds map[ChangeKind]bool
}

func (s *subscriber) wants(kind ChangeKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Subscription is a live feed of change notifications. Cancel releases it;
// the channel also closes when the invocation is disposed.
type Subscription struct {
	C      <-chan Change
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Invocation is the runtime aggregate for one build attempt. All mutation
// flows through the event handler for the owning stream; readers take
// snapshots or subscribe to the change bus.
type Invocation struct {
	mu       sync.RWMutex
	ref      *Ref
	state    string
	subs     map[int]*subscriber
	nextSub  int
	disposed bool
}

// New returns an empty running aggregate for the invocation id.
func New(invocationID string) *Invocation {
	return &Invocation{
		ref:   NewRef(invocationID),
		state: StateStarted,
		subs:  map[int]*subscriber{},
	}
}

// FromRef wraps a persisted snapshot for read-only querying. The state of a
// restored invocation is terminal and derived from its exit code.
func FromRef(ref *Ref) *Invocation {
	state := StateRunning
	if ec := ref.InvocationDetails.ExitCode; ec != nil {
		if ec.Code == 0 {
			state = StateSuccessful
		} else {
			state = StateFailed
		}
	}
	return &Invocation{
		ref:   ref,
		state: state,
		subs:  map[int]*subscriber{},
	}
}

// ID returns the invocation id this aggregate tracks.
func (inv *Invocation) ID() string {
	return inv.ref.StreamID.InvocationID
}

// State returns the current lifecycle state.
func (inv *Invocation) State() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.state
}

// Snapshot returns a deep copy of the current ref.
func (inv *Invocation) Snapshot() *Ref {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.ref.Clone()
}

// Subscribe returns a feed of change notifications, optionally filtered to
// the given kinds (no kinds means all). For the kinds whose payload is a
// full value (state, details, host, workspace status, command line) the
// current value is replayed immediately, so late subscribers observe current
// state without waiting for the next mutation. A disposed invocation returns
// a closed channel.
func (inv *Invocation) Subscribe(kinds ...ChangeKind) *Subscription {
	inv.mu.Lock()
	if inv.disposed {
		inv.mu.Unlock()
		ch := make(chan Change)
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	sub := &subscriber{ch: make(chan Change, subscriberBuffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[ChangeKind]bool, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = true
		}
	}
	id := inv.nextSub
	inv.nextSub++
	inv.subs[id] = sub

	for _, kind := range replayKinds {
		if sub.wants(kind) {
			sub.ch <- Change{Kind: kind, InvocationID: inv.ID(), Payload: inv.replayPayload(kind)}
		}
	}
	inv.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			inv.mu.Lock()
			defer inv.mu.Unlock()
			if _, ok := inv.subs[id]; ok {
				delete(inv.subs, id)
				close(sub.ch)
			}
		})
	}
	return &Subscription{C: sub.ch, cancel: cancel}
}

var replayKinds = []ChangeKind{
	ChangeState,
	ChangeDetails,
	ChangeHost,
	ChangeWorkspaceStatus,
	ChangeCommandLine,
}

func (inv *Invocation) replayPayload(kind ChangeKind) any {
	switch kind {
	case ChangeState:
		return inv.state
	case ChangeDetails:
		return inv.ref.InvocationDetails.clone()
	case ChangeHost:
		return inv.ref.HostDetails.clone()
	case ChangeWorkspaceStatus:
		return append([]WorkspaceStatusItem(nil), inv.ref.WorkspaceStatus...)
	case ChangeCommandLine:
		return inv.ref.CanonicalStructuredCommandLine.clone()
	}
	return nil
}

// publish fans one change out to matching subscribers. Callers hold mu.
// Sends never block; a full subscriber drops the notification.
func (inv *Invocation) publish(kind ChangeKind, payload any) {
	if inv.disposed {
		return
	}
	change := Change{Kind: kind, InvocationID: inv.ID(), Payload: payload}
	for _, sub := range inv.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// Dispose closes every subscriber channel. Further mutations are no-ops.
func (inv *Invocation) Dispose() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.disposed = true
	for id, sub := range inv.subs {
		delete(inv.subs, id)
		close(sub.ch)
	}
}

// SetState transitions the lifecycle state.
func (inv *Invocation) SetState(state string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.state = state
	inv.publish(ChangeState, state)
}

// UpdateDetails applies a mutation to the invocation details and notifies.
func (inv *Invocation) UpdateDetails(mutate func(d *InvocationDetails)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	mutate(&inv.ref.InvocationDetails)
	inv.publish(ChangeDetails, inv.ref.InvocationDetails.clone())
}

// UpdateHostDetails applies a mutation to the host details and notifies.
func (inv *Invocation) UpdateHostDetails(mutate func(h *HostDetails)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	mutate(&inv.ref.HostDetails)
	inv.publish(ChangeHost, inv.ref.HostDetails.clone())
}

// PutTarget inserts or overwrites the target for label and publishes a
// single-entry delta.
func (inv *Invocation) PutTarget(label string, target Target) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	target.Label = label
	inv.ref.Targets[label] = target
	inv.publish(ChangeTargets, TargetMap{label: target.clone()})
}

// MutateTarget applies a mutation to an existing target. Returns false
// without publishing when the label is unknown.
func (inv *Invocation) MutateTarget(label string, mutate func(t *Target)) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return false
	}
	target, ok := inv.ref.Targets[label]
	if !ok {
		return false
	}
	mutate(&target)
	inv.ref.Targets[label] = target
	inv.publish(ChangeTargets, TargetMap{label: target.clone()})
	return true
}

// Target returns a copy of the target for label.
func (inv *Invocation) Target(label string) (Target, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	target, ok := inv.ref.Targets[label]
	if !ok {
		return Target{}, false
	}
	return target.clone(), true
}

// AppendProgress records one chunk of build output.
func (inv *Invocation) AppendProgress(lines string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.ref.Progress = append(inv.ref.Progress, lines)
	inv.publish(ChangeProgress, lines)
}

// SetWorkspaceStatus replaces the workspace status items.
func (inv *Invocation) SetWorkspaceStatus(items []WorkspaceStatusItem) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.ref.WorkspaceStatus = items
	inv.publish(ChangeWorkspaceStatus, append([]WorkspaceStatusItem(nil), items...))
}

// SetCommandLine stores the parsed canonical command line.
func (inv *Invocation) SetCommandLine(cl *StructuredCommandLine) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.ref.CanonicalStructuredCommandLine = cl
	inv.publish(ChangeCommandLine, cl.clone())
}

// AppendFetched records one fetched external resource.
func (inv *Invocation) AppendFetched(resource FetchedResource) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.ref.Fetched = append(inv.ref.Fetched, resource)
	inv.publish(ChangeFetched, resource)
}

// PutFileSet registers one file-set node and publishes a single-entry delta.
func (inv *Invocation) PutFileSet(id string, node FileSetNode) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.ref.FileSets[id] = node
	inv.publish(ChangeFileSet, FileSet{id: node})
}
