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
	"log/slog"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cardinalhq/buildlake/internal/persist"
)

// CAS is the content addressable storage surface over the blob store.
type CAS struct {
	repb.UnimplementedContentAddressableStorageServer

	logger *slog.Logger
	cache  persist.CacheProvider
}

func NewCAS(logger *slog.Logger, cache persist.CacheProvider) *CAS {
	return &CAS{logger: logger, cache: cache}
}

// FindMissingBlobs reports the subset of the requested digests that are not
// stored. Returned digests are the caller's own messages, untouched.
func (s *CAS) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	resp := &repb.FindMissingBlobsResponse{}
	for _, digest := range req.GetBlobDigests() {
		has, err := s.cache.HasBlob(ctx, digest.GetHash())
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		if !has {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, digest)
		}
	}
	return resp, nil
}

func (s *CAS) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, blob := range req.GetRequests() {
		code := codes.OK
		if err := s.cache.PersistBlob(ctx, blob.GetDigest().GetHash(), blob.GetData()); err != nil {
			s.logger.Error("Failed to store blob",
				slog.String("hash", blob.GetDigest().GetHash()),
				slog.Any("error", err))
			code = codes.Internal
		}
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{
			Digest: blob.GetDigest(),
			Status: &spb.Status{Code: int32(code)},
		})
	}
	return resp, nil
}

func (s *CAS) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	resp := &repb.BatchReadBlobsResponse{}
	for _, digest := range req.GetDigests() {
		entry := &repb.BatchReadBlobsResponse_Response{Digest: digest}
		data, err := s.cache.FetchBlob(ctx, digest.GetHash())
		switch {
		case errors.Is(err, persist.ErrNotFound):
			entry.Status = &spb.Status{
				Code:    int32(codes.NotFound),
				Message: "blob " + digest.GetHash() + " not found",
			}
		case err != nil:
			entry.Status = &spb.Status{Code: int32(codes.Internal), Message: err.Error()}
		default:
			entry.Data = data
			entry.Status = &spb.Status{Code: int32(codes.OK)}
		}
		resp.Responses = append(resp.Responses, entry)
	}
	return resp, nil
}

// GetTree is accepted so clients do not fail, but directory trees are not
// materialized and the stream completes without results.
func (s *CAS) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	return nil
}
