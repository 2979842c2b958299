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

// Package persist buffers invocation state and raw build events and flushes
// them to a pluggable storage provider, and serves the cache storage behind
// the remote cache protocol handlers.
package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

// ErrNotFound reports that the requested record does not exist in storage.
var ErrNotFound = errors.New("not found")

// Provider persists per-invocation session data. Write failures are logged
// and swallowed by the orchestrator; a provider must tolerate being called
// for a session it rejected earlier.
type Provider interface {
	// StartSession prepares storage for an invocation. Starting a session
	// twice is tolerated with a warning.
	StartSession(ctx context.Context, streamID invocation.StreamID) error

	// EndSession releases the session after all pipelines have drained.
	EndSession(ctx context.Context, streamID invocation.StreamID) error

	// PersistProgress appends a batch of progress chunks.
	PersistProgress(ctx context.Context, streamID invocation.StreamID, lines []string) error

	// PersistRef replaces the stored snapshot. Progress is persisted
	// through PersistProgress only and is stripped from the snapshot.
	PersistRef(ctx context.Context, streamID invocation.StreamID, ref *invocation.Ref) error

	// PersistBuildEvents appends raw decoded events to the event log.
	PersistBuildEvents(ctx context.Context, streamID invocation.StreamID, events []*buildevent.BuildEvent) error

	// FetchRef loads the stored snapshot, progress included.
	FetchRef(ctx context.Context, streamID invocation.StreamID) (*invocation.Ref, error)

	// FetchBuildEvents loads the raw event log.
	FetchBuildEvents(ctx context.Context, streamID invocation.StreamID) ([]*buildevent.BuildEvent, error)
}

// BlobWriter accepts streamed blob bytes. Exactly one of Commit or Discard
// ends the write: Commit publishes the blob under its key, Discard drops
// everything written so far without touching published blobs.
type BlobWriter interface {
	io.Writer

	// Commit makes the written bytes readable under the blob's key.
	Commit() error

	// Discard abandons the write. Safe to call on a committed writer;
	// it then does nothing.
	Discard() error
}

// CacheProvider stores action results and CAS blobs, keyed by content hash.
type CacheProvider interface {
	PersistActionResult(ctx context.Context, key string, result *repb.ActionResult) error

	// FetchActionResult returns ErrNotFound for unknown keys.
	FetchActionResult(ctx context.Context, key string) (*repb.ActionResult, error)

	// OpenBlobWriter starts a streaming blob write. The blob stays
	// invisible to readers until Commit; Discard drops the partial bytes.
	OpenBlobWriter(ctx context.Context, key string) (BlobWriter, error)

	PersistBlob(ctx context.Context, key string, data []byte) error

	// FetchBlob returns ErrNotFound for unknown keys.
	FetchBlob(ctx context.Context, key string) ([]byte, error)

	HasBlob(ctx context.Context, key string) (bool, error)
}

// sessionSet tracks open provider sessions so stray writes after teardown
// are rejected rather than recreating files.
type sessionSet struct {
	mu     sync.Mutex
	logger *slog.Logger
	open   map[string]bool
}

func newSessionSet(logger *slog.Logger) *sessionSet {
	return &sessionSet{logger: logger, open: map[string]bool{}}
}

// start registers the session. Returns false on a duplicate start, which is
// warned about but not fatal.
func (s *sessionSet) start(invocationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[invocationID] {
		s.logger.Warn("An open persistence session already exists",
			slog.String("invocationId", invocationID))
		return false
	}
	s.open[invocationID] = true
	return true
}

func (s *sessionSet) end(invocationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open[invocationID] {
		s.logger.Warn("No open persistence session",
			slog.String("invocationId", invocationID))
		return
	}
	delete(s.open, invocationID)
}

func (s *sessionSet) check(invocationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open[invocationID] {
		s.logger.Error("Write without an open persistence session",
			slog.String("invocationId", invocationID))
		return false
	}
	return true
}
