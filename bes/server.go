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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	buildpb "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/cardinalhq/buildlake/buildevent"
)

var (
	meter = otel.Meter("github.com/cardinalhq/buildlake/bes")

	lifecycleEventCounter metric.Int64Counter
	toolEventCounter      metric.Int64Counter
	decodeFailureCounter  metric.Int64Counter
)

func init() {
	var err error
	if lifecycleEventCounter, err = meter.Int64Counter("buildlake.bes.lifecycle_events"); err != nil {
		panic(fmt.Errorf("failed to create lifecycle_events counter: %w", err))
	}
	if toolEventCounter, err = meter.Int64Counter("buildlake.bes.tool_events"); err != nil {
		panic(fmt.Errorf("failed to create tool_events counter: %w", err))
	}
	if decodeFailureCounter, err = meter.Int64Counter("buildlake.bes.decode_failures"); err != nil {
		panic(fmt.Errorf("failed to create decode_failures counter: %w", err))
	}
}

// Server terminates the PublishBuildEvent service.
type Server struct {
	buildpb.UnimplementedPublishBuildEventServer

	logger   *slog.Logger
	registry *Registry
}

// NewServer returns a BES server dispatching into the given registry.
func NewServer(logger *slog.Logger, registry *Registry) *Server {
	return &Server{logger: logger, registry: registry}
}

// PublishLifecycleEvent reacts to invocation attempt start/finish; other
// lifecycle events are acknowledged and ignored. The acknowledgment never
// waits on downstream handling.
func (s *Server) PublishLifecycleEvent(ctx context.Context, req *buildpb.PublishLifecycleEventRequest) (*emptypb.Empty, error) {
	lifecycleEventCounter.Add(ctx, 1)

	obe := req.GetBuildEvent()
	invocationID := obe.GetStreamId().GetInvocationId()

	switch obe.GetEvent().GetEvent().(type) {
	case *buildpb.BuildEvent_InvocationAttemptStarted_:
		s.registry.NotifyInvocationStarted(invocationID)
	case *buildpb.BuildEvent_InvocationAttemptFinished_:
		s.registry.NotifyInvocationFinished(invocationID)
	}

	return &emptypb.Empty{}, nil
}

// PublishBuildToolEventStream receives the ordered tool event stream for one
// invocation. Embedded bazel events are decoded and dispatched; every
// received sequence number is acknowledged after the client half-closes,
// sorted ascending.
func (s *Server) PublishBuildToolEventStream(stream buildpb.PublishBuildEvent_PublishBuildToolEventStreamServer) error {
	ctx := stream.Context()

	var streamID *buildpb.StreamId
	var acks []int64

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("Build tool event stream failed",
				slog.String("invocationId", streamID.GetInvocationId()),
				slog.Any("error", err))
			return err
		}

		obe := req.GetOrderedBuildEvent()
		if obe == nil {
			continue
		}
		if streamID == nil {
			streamID = obe.GetStreamId()
		}
		acks = append(acks, obe.GetSequenceNumber())
		toolEventCounter.Add(ctx, 1)

		if bazelEvent := obe.GetEvent().GetBazelEvent(); bazelEvent != nil {
			decoded, err := buildevent.Unmarshal(bazelEvent.GetValue())
			if err != nil {
				decodeFailureCounter.Add(ctx, 1)
				s.logger.Error("Failed to decode embedded build event",
					slog.String("invocationId", streamID.GetInvocationId()),
					slog.Int64("sequenceNumber", obe.GetSequenceNumber()),
					slog.Any("error", err))
				continue
			}
			s.registry.HandleBuildEvent(streamID.GetInvocationId(), decoded)
		}
	}

	sort.Slice(acks, func(i, j int) bool { return acks[i] < acks[j] })
	for _, seq := range acks {
		resp := &buildpb.PublishBuildToolEventStreamResponse{
			StreamId:       streamID,
			SequenceNumber: seq,
		}
		if err := stream.Send(resp); err != nil {
			s.logger.Error("Failed to send stream acknowledgment",
				slog.String("invocationId", streamID.GetInvocationId()),
				slog.Int64("sequenceNumber", seq),
				slog.Any("error", err))
			return err
		}
	}
	return nil
}
