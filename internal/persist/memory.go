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
	"bytes"
	"context"
	"log/slog"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

// MemoryProvider keeps invocation session data in memory. Useful for tests
// and for running without durable storage.
type MemoryProvider struct {
	mu       sync.Mutex
	sessions *sessionSet
	refs     map[string]*invocation.Ref
	progress map[string][]string
	events   map[string][]*buildevent.BuildEvent
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider(logger *slog.Logger) *MemoryProvider {
	return &MemoryProvider{
		sessions: newSessionSet(logger),
		refs:     map[string]*invocation.Ref{},
		progress: map[string][]string{},
		events:   map[string][]*buildevent.BuildEvent{},
	}
}

func (p *MemoryProvider) StartSession(_ context.Context, streamID invocation.StreamID) error {
	p.sessions.start(streamID.InvocationID)
	return nil
}

func (p *MemoryProvider) EndSession(_ context.Context, streamID invocation.StreamID) error {
	p.sessions.end(streamID.InvocationID)
	return nil
}

func (p *MemoryProvider) PersistProgress(_ context.Context, streamID invocation.StreamID, lines []string) error {
	if !p.sessions.check(streamID.InvocationID) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[streamID.InvocationID] = append(p.progress[streamID.InvocationID], lines...)
	return nil
}

func (p *MemoryProvider) PersistRef(_ context.Context, streamID invocation.StreamID, ref *invocation.Ref) error {
	if !p.sessions.check(streamID.InvocationID) {
		return nil
	}
	stripped := ref.Clone()
	stripped.Progress = []string{}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[streamID.InvocationID] = stripped
	return nil
}

func (p *MemoryProvider) PersistBuildEvents(_ context.Context, streamID invocation.StreamID, events []*buildevent.BuildEvent) error {
	if !p.sessions.check(streamID.InvocationID) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[streamID.InvocationID] = append(p.events[streamID.InvocationID], events...)
	return nil
}

func (p *MemoryProvider) FetchRef(_ context.Context, streamID invocation.StreamID) (*invocation.Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.refs[streamID.InvocationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := ref.Clone()
	out.Progress = append([]string(nil), p.progress[streamID.InvocationID]...)
	return out, nil
}

func (p *MemoryProvider) FetchBuildEvents(_ context.Context, streamID invocation.StreamID) ([]*buildevent.BuildEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, ok := p.events[streamID.InvocationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]*buildevent.BuildEvent(nil), events...), nil
}

// MemoryCacheProvider keeps action results and blobs in memory.
type MemoryCacheProvider struct {
	mu      sync.Mutex
	results map[string]*repb.ActionResult
	blobs   map[string][]byte
}

var _ CacheProvider = (*MemoryCacheProvider)(nil)

// NewMemoryCacheProvider returns an empty in-memory cache provider.
func NewMemoryCacheProvider() *MemoryCacheProvider {
	return &MemoryCacheProvider{
		results: map[string]*repb.ActionResult{},
		blobs:   map[string][]byte{},
	}
}

func (p *MemoryCacheProvider) PersistActionResult(_ context.Context, key string, result *repb.ActionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[key] = proto.Clone(result).(*repb.ActionResult)
	return nil
}

func (p *MemoryCacheProvider) FetchActionResult(_ context.Context, key string) (*repb.ActionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.results[key]
	if !ok {
		return nil, ErrNotFound
	}
	return proto.Clone(result).(*repb.ActionResult), nil
}

type memoryBlobWriter struct {
	buf   bytes.Buffer
	key   string
	cache *MemoryCacheProvider
	done  bool
}

func (w *memoryBlobWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Commit publishes the buffered bytes; the blob is invisible until then.
func (w *memoryBlobWriter) Commit() error {
	w.cache.mu.Lock()
	defer w.cache.mu.Unlock()
	w.cache.blobs[w.key] = append([]byte(nil), w.buf.Bytes()...)
	w.done = true
	return nil
}

// Discard drops the buffered bytes without publishing anything.
func (w *memoryBlobWriter) Discard() error {
	if !w.done {
		w.buf.Reset()
	}
	return nil
}

func (p *MemoryCacheProvider) OpenBlobWriter(_ context.Context, key string) (BlobWriter, error) {
	return &memoryBlobWriter{key: key, cache: p}, nil
}

func (p *MemoryCacheProvider) PersistBlob(_ context.Context, key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (p *MemoryCacheProvider) FetchBlob(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (p *MemoryCacheProvider) HasBlob(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.blobs[key]
	return ok, nil
}
