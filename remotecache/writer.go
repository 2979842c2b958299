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

package remotecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cardinalhq/buildlake/internal/persist"
)

// DefaultWriterTTL is how long an in-flight upload survives without new
// chunks before the registry closes its writer and discards the state.
const DefaultWriterTTL = 10 * time.Minute

// blobWriter is the state of one in-flight byte stream upload. Uploads for
// the same content hash share a single writer, so chunk appends are
// serialized under the mutex.
type blobWriter struct {
	mu        sync.Mutex
	hash      string
	sink      persist.BlobWriter
	committed int64
	closed    bool
}

// append stores the next chunk. The offset must equal the committed size;
// a mismatch leaves the committed size unchanged.
func (w *blobWriter) append(offset int64, data []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.committed, status.Error(codes.FailedPrecondition, "upload already finalized")
	}
	if offset != w.committed {
		return w.committed, status.Error(codes.InvalidArgument,
			fmt.Sprintf("write offset %d does not match committed size %d for %s", offset, w.committed, w.hash))
	}
	n, err := w.sink.Write(data)
	w.committed += int64(n)
	if err != nil {
		return w.committed, status.Error(codes.Internal, fmt.Sprintf("writing blob %s: %s", w.hash, err))
	}
	return w.committed, nil
}

// finish commits the blob and returns the total committed size.
func (w *blobWriter) finish() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.committed, nil
	}
	w.closed = true
	if err := w.sink.Commit(); err != nil {
		return w.committed, status.Error(codes.Internal, fmt.Sprintf("finalizing blob %s: %s", w.hash, err))
	}
	return w.committed, nil
}

// abort discards the partial bytes without publishing the blob.
func (w *blobWriter) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.sink.Discard()
}

func (w *blobWriter) committedSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// writerRegistry tracks in-flight uploads keyed by content hash. Entries
// expire when no chunk arrives within the TTL, which closes abandoned
// writers instead of leaking them.
type writerRegistry struct {
	logger    *slog.Logger
	mu        sync.Mutex
	cache     *ttlcache.Cache[string, *blobWriter]
	closeOnce sync.Once
}

func newWriterRegistry(logger *slog.Logger, ttl time.Duration) *writerRegistry {
	r := &writerRegistry{
		logger: logger,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *blobWriter](ttl),
		),
	}
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *blobWriter]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		logger.Warn("Discarding stalled upload", slog.String("hash", item.Key()))
		item.Value().abort()
	})
	go r.cache.Start()
	return r
}

// acquire returns the in-flight writer for hash, creating one via open
// when no upload is in progress. Touching an entry extends its TTL.
func (r *writerRegistry) acquire(hash string, open func() (persist.BlobWriter, error)) (*blobWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item := r.cache.Get(hash); item != nil {
		return item.Value(), nil
	}
	sink, err := open()
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("opening blob writer for %s: %s", hash, err))
	}
	w := &blobWriter{hash: hash, sink: sink}
	r.cache.Set(hash, w, ttlcache.DefaultTTL)
	return w, nil
}

// lookup returns the in-flight writer for hash without creating one.
func (r *writerRegistry) lookup(hash string) (*blobWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.cache.Get(hash, ttlcache.WithDisableTouchOnHit[string, *blobWriter]())
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (r *writerRegistry) release(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(hash)
}

func (r *writerRegistry) close() {
	r.closeOnce.Do(func() {
		r.cache.Stop()
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, key := range r.cache.Keys() {
			if item := r.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, *blobWriter]()); item != nil {
				item.Value().abort()
			}
		}
		r.cache.DeleteAll()
	})
}
