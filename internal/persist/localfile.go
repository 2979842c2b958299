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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

// Persisted layout below the base directory:
//
//	invocations/<id>/ref.json  snapshot, progress stripped
//	invocations/<id>/ref.log   append-only progress log
//	invocations/<id>/raw.json  append-only raw event log, one JSON per line
//	ac/<hash>                  action result, protojson
//	cas/<hash>                 blob bytes
const (
	invocationsDir = "invocations"
	refFile        = "ref.json"
	progressFile   = "ref.log"
	rawEventsFile  = "raw.json"
	acDir          = "ac"
	casDir         = "cas"
)

// LocalFileProvider persists invocation sessions to the local filesystem.
type LocalFileProvider struct {
	logger   *slog.Logger
	base     string
	sessions *sessionSet
}

var _ Provider = (*LocalFileProvider)(nil)

// NewLocalFileProvider returns a provider rooted at base.
func NewLocalFileProvider(logger *slog.Logger, base string) *LocalFileProvider {
	return &LocalFileProvider{
		logger:   logger,
		base:     base,
		sessions: newSessionSet(logger),
	}
}

func (p *LocalFileProvider) invocationPath(invocationID string, extra ...string) string {
	parts := append([]string{p.base, invocationsDir, invocationID}, extra...)
	return filepath.Join(parts...)
}

func (p *LocalFileProvider) StartSession(_ context.Context, streamID invocation.StreamID) error {
	p.sessions.start(streamID.InvocationID)
	return os.MkdirAll(p.invocationPath(streamID.InvocationID), 0o755)
}

func (p *LocalFileProvider) EndSession(_ context.Context, streamID invocation.StreamID) error {
	p.sessions.end(streamID.InvocationID)
	return nil
}

func (p *LocalFileProvider) PersistProgress(_ context.Context, streamID invocation.StreamID, lines []string) error {
	if !p.sessions.check(streamID.InvocationID) {
		return nil
	}
	return appendFile(p.invocationPath(streamID.InvocationID, progressFile), []byte(strings.Join(lines, "")))
}

func (p *LocalFileProvider) PersistRef(_ context.Context, streamID invocation.StreamID, ref *invocation.Ref) error {
	if !p.sessions.check(streamID.InvocationID) {
		return nil
	}
	stripped := *ref
	stripped.Progress = []string{}
	data, err := json.Marshal(&stripped)
	if err != nil {
		return fmt.Errorf("marshal ref: %w", err)
	}
	return os.WriteFile(p.invocationPath(streamID.InvocationID, refFile), data, 0o644)
}

func (p *LocalFileProvider) PersistBuildEvents(_ context.Context, streamID invocation.StreamID, events []*buildevent.BuildEvent) error {
	if !p.sessions.check(streamID.InvocationID) {
		return nil
	}
	var buf strings.Builder
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal build event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return appendFile(p.invocationPath(streamID.InvocationID, rawEventsFile), []byte(buf.String()))
}

func (p *LocalFileProvider) FetchRef(_ context.Context, streamID invocation.StreamID) (*invocation.Ref, error) {
	data, err := os.ReadFile(p.invocationPath(streamID.InvocationID, refFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ref := &invocation.Ref{}
	if err := json.Unmarshal(data, ref); err != nil {
		return nil, fmt.Errorf("unmarshal ref: %w", err)
	}

	if log, err := os.ReadFile(p.invocationPath(streamID.InvocationID, progressFile)); err == nil {
		ref.Progress = strings.Split(string(log), "\n")
	}
	return ref, nil
}

func (p *LocalFileProvider) FetchBuildEvents(_ context.Context, streamID invocation.StreamID) ([]*buildevent.BuildEvent, error) {
	f, err := os.Open(p.invocationPath(streamID.InvocationID, rawEventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []*buildevent.BuildEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event := &buildevent.BuildEvent{}
		if err := json.Unmarshal(line, event); err != nil {
			return nil, fmt.Errorf("unmarshal build event: %w", err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LocalFileCacheProvider stores action results and CAS blobs on the local
// filesystem.
type LocalFileCacheProvider struct {
	base string
}

var _ CacheProvider = (*LocalFileCacheProvider)(nil)

// NewLocalFileCacheProvider returns a cache provider rooted at base,
// creating the ac/ and cas/ directories.
func NewLocalFileCacheProvider(base string) (*LocalFileCacheProvider, error) {
	for _, dir := range []string{acDir, casDir} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &LocalFileCacheProvider{base: base}, nil
}

func (p *LocalFileCacheProvider) acPath(key string) string {
	return filepath.Join(p.base, acDir, key)
}

func (p *LocalFileCacheProvider) casPath(key string) string {
	return filepath.Join(p.base, casDir, key)
}

func (p *LocalFileCacheProvider) PersistActionResult(_ context.Context, key string, result *repb.ActionResult) error {
	data, err := protojson.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	return os.WriteFile(p.acPath(key), data, 0o644)
}

func (p *LocalFileCacheProvider) FetchActionResult(_ context.Context, key string) (*repb.ActionResult, error) {
	data, err := os.ReadFile(p.acPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	result := &repb.ActionResult{}
	if err := protojson.Unmarshal(data, result); err != nil {
		return nil, fmt.Errorf("unmarshal action result: %w", err)
	}
	return result, nil
}

type localBlobWriter struct {
	file *os.File
	path string
	done bool
}

func (w *localBlobWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Commit closes the temp file and renames it into place, so readers only
// ever see complete blobs.
func (w *localBlobWriter) Commit() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.file.Name(), w.path); err != nil {
		return err
	}
	w.done = true
	return nil
}

// Discard closes and removes the temp file, leaving published blobs alone.
func (w *localBlobWriter) Discard() error {
	if w.done {
		return nil
	}
	_ = w.file.Close()
	return os.Remove(w.file.Name())
}

func (p *LocalFileCacheProvider) OpenBlobWriter(_ context.Context, key string) (BlobWriter, error) {
	f, err := os.CreateTemp(filepath.Join(p.base, casDir), key+".upload-*")
	if err != nil {
		return nil, err
	}
	return &localBlobWriter{file: f, path: p.casPath(key)}, nil
}

func (p *LocalFileCacheProvider) PersistBlob(_ context.Context, key string, data []byte) error {
	return os.WriteFile(p.casPath(key), data, 0o644)
}

func (p *LocalFileCacheProvider) FetchBlob(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(p.casPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (p *LocalFileCacheProvider) HasBlob(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(p.casPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
