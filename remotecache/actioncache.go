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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cardinalhq/buildlake/internal/persist"
)

// ActionCache maps action digests to cached action results.
type ActionCache struct {
	repb.UnimplementedActionCacheServer

	logger *slog.Logger
	cache  persist.CacheProvider
}

func NewActionCache(logger *slog.Logger, cache persist.CacheProvider) *ActionCache {
	return &ActionCache{logger: logger, cache: cache}
}

func (s *ActionCache) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	digest := req.GetActionDigest()
	if digest.GetHash() == "" {
		return nil, status.Error(codes.InvalidArgument, "action digest is required")
	}
	result, err := s.cache.FetchActionResult(ctx, digest.GetHash())
	if errors.Is(err, persist.ErrNotFound) {
		cacheMissCounter.Add(ctx, 1)
		return nil, status.Error(codes.NotFound, "no cached result for action "+digest.GetHash())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	cacheHitCounter.Add(ctx, 1)
	return result, nil
}

func (s *ActionCache) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	digest := req.GetActionDigest()
	if digest.GetHash() == "" {
		return nil, status.Error(codes.InvalidArgument, "action digest is required")
	}
	result := req.GetActionResult()
	if result == nil {
		return nil, status.Error(codes.InvalidArgument, "action result is required")
	}
	if err := s.cache.PersistActionResult(ctx, digest.GetHash(), result); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.logger.Debug("Cached action result", slog.String("hash", digest.GetHash()))
	return result, nil
}
