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
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cardinalhq/buildlake/internal/persist"
)

// ByteStream serves resumable CAS uploads and downloads. Uploads are keyed
// by content hash, so concurrent writes of the same blob share one writer
// and a reconnecting client resumes at the committed size.
type ByteStream struct {
	bytestream.UnimplementedByteStreamServer

	logger  *slog.Logger
	cache   persist.CacheProvider
	writers *writerRegistry
}

func NewByteStream(logger *slog.Logger, cache persist.CacheProvider, writerTTL time.Duration) *ByteStream {
	if writerTTL <= 0 {
		writerTTL = DefaultWriterTTL
	}
	return &ByteStream{
		logger:  logger,
		cache:   cache,
		writers: newWriterRegistry(logger, writerTTL),
	}
}

// Close aborts any in-flight uploads.
func (s *ByteStream) Close() {
	s.writers.close()
}

func (s *ByteStream) Write(stream bytestream.ByteStream_WriteServer) error {
	req, err := stream.Recv()
	if err == io.EOF {
		return status.Error(codes.InvalidArgument, "empty write stream")
	}
	if err != nil {
		return err
	}
	res, err := parseWriteResource(req.GetResourceName())
	if err != nil {
		return err
	}
	ctx := stream.Context()

	// Completed uploads are idempotent. A repeat write of a stored blob is
	// acknowledged immediately without consuming the stream.
	if has, err := s.cache.HasBlob(ctx, res.hash); err == nil && has {
		data, err := s.cache.FetchBlob(ctx, res.hash)
		if err == nil {
			return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(data))})
		}
	}

	writer, err := s.writers.acquire(res.hash, func() (persist.BlobWriter, error) {
		return s.cache.OpenBlobWriter(ctx, res.hash)
	})
	if err != nil {
		return err
	}

	for {
		committed, err := writer.append(req.GetWriteOffset(), req.GetData())
		if err != nil {
			return err
		}
		if req.GetFinishWrite() {
			total, err := writer.finish()
			s.writers.release(res.hash)
			if err != nil {
				return err
			}
			blobsWrittenCounter.Add(ctx, 1)
			s.logger.Debug("Blob upload complete",
				slog.String("hash", res.hash),
				slog.Int64("size", total))
			return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: total})
		}
		req, err = stream.Recv()
		if err == nil && req.GetResourceName() != "" {
			// Later chunks may omit the resource name, but a different one
			// means the client crossed streams.
			follow, perr := parseWriteResource(req.GetResourceName())
			if perr != nil || follow.hash != res.hash {
				return status.Error(codes.InvalidArgument, "resource name changed mid stream")
			}
		}
		if err == io.EOF {
			// Client went away mid-upload. The writer stays registered so a
			// later stream can resume at the committed size.
			return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: committed})
		}
		if err != nil {
			return err
		}
	}
}

func (s *ByteStream) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	res, err := parseReadResource(req.GetResourceName())
	if err != nil {
		return err
	}
	if req.GetReadOffset() < 0 {
		return status.Error(codes.InvalidArgument, "read offset must not be negative")
	}
	if req.GetReadLimit() < 0 {
		return status.Error(codes.InvalidArgument, "read limit must not be negative")
	}
	data, err := s.cache.FetchBlob(stream.Context(), res.hash)
	if errors.Is(err, persist.ErrNotFound) {
		return status.Error(codes.NotFound, "blob "+res.hash+" not found")
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	offset := req.GetReadOffset()
	if offset > int64(len(data)) {
		return status.Error(codes.OutOfRange, "read offset beyond blob size")
	}
	data = data[offset:]
	if limit := req.GetReadLimit(); limit > 0 && limit < int64(len(data)) {
		data = data[:limit]
	}
	return stream.Send(&bytestream.ReadResponse{Data: data})
}

func (s *ByteStream) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	res, err := parseWriteResource(req.GetResourceName())
	if err != nil {
		return nil, err
	}
	if writer, ok := s.writers.lookup(res.hash); ok {
		return &bytestream.QueryWriteStatusResponse{
			CommittedSize: writer.committedSize(),
			Complete:      false,
		}, nil
	}
	data, err := s.cache.FetchBlob(ctx, res.hash)
	if errors.Is(err, persist.ErrNotFound) {
		return &bytestream.QueryWriteStatusResponse{CommittedSize: 0, Complete: false}, nil
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &bytestream.QueryWriteStatusResponse{
		CommittedSize: int64(len(data)),
		Complete:      true,
	}, nil
}
