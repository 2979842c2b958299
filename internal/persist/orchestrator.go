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
	"context"
	"log/slog"
	"time"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

// Batch windows. Progress and state flush quickly to keep dashboards fresh;
// the raw event log tolerates more latency.
const (
	changeWindow = 200 * time.Millisecond
	changeGap    = 50 * time.Millisecond
	rawWindow    = 500 * time.Millisecond
	rawGap       = 100 * time.Millisecond
)

// Orchestrator runs the persistence session for each invocation: three
// concurrent pipelines fed by the invocation's change bus and its raw event
// feed, flushing micro-batches to the provider. Provider failures are
// logged, never propagated; a build must not fail because storage hiccuped.
type Orchestrator struct {
	logger   *slog.Logger
	provider Provider
}

// NewOrchestrator returns an orchestrator flushing to the given provider.
func NewOrchestrator(logger *slog.Logger, provider Provider) *Orchestrator {
	return &Orchestrator{logger: logger, provider: provider}
}

// StartSession opens a provider session for the invocation and starts the
// three pipelines. The session closes itself once the change bus and the
// event feed complete, which happens when the invocation is disposed.
func (o *Orchestrator) StartSession(inv *invocation.Invocation, events <-chan *buildevent.BuildEvent) {
	ctx := context.Background()
	streamID := invocation.StreamID{InvocationID: inv.ID()}

	o.logger.Info("Starting persistence session", slog.String("invocationId", inv.ID()))
	if err := o.provider.StartSession(ctx, streamID); err != nil {
		o.logger.Error("Failed to start persistence session",
			slog.String("invocationId", inv.ID()),
			slog.Any("error", err))
	}

	progressSub := inv.Subscribe(invocation.ChangeProgress)
	stateSub := inv.Subscribe(
		invocation.ChangeState,
		invocation.ChangeDetails,
		invocation.ChangeHost,
		invocation.ChangeTargets,
		invocation.ChangeWorkspaceStatus,
		invocation.ChangeCommandLine,
		invocation.ChangeFetched,
		invocation.ChangeFileSet,
	)

	latch := newCountdownLatch(3)

	go func() {
		runBatcher(progressSub.C, changeWindow, changeGap, func(changes []invocation.Change) {
			lines := make([]string, 0, len(changes))
			for _, change := range changes {
				if line, ok := change.Payload.(string); ok {
					lines = append(lines, line)
				}
			}
			if len(lines) == 0 {
				return
			}
			if err := o.provider.PersistProgress(ctx, streamID, lines); err != nil {
				o.logger.Error("Failed to persist progress",
					slog.String("invocationId", inv.ID()),
					slog.Any("error", err))
			}
		})
		latch.countDown()
	}()

	go func() {
		runBatcher(stateSub.C, changeWindow, changeGap, func(changes []invocation.Change) {
			// Only the latest snapshot matters; intermediate deltas in
			// the window are coalesced away.
			ref := inv.Snapshot()
			if err := o.provider.PersistRef(ctx, streamID, ref); err != nil {
				o.logger.Error("Failed to persist invocation ref",
					slog.String("invocationId", inv.ID()),
					slog.Any("error", err))
			}
		})
		latch.countDown()
	}()

	go func() {
		runBatcher(events, rawWindow, rawGap, func(batch []*buildevent.BuildEvent) {
			if err := o.provider.PersistBuildEvents(ctx, streamID, batch); err != nil {
				o.logger.Error("Failed to persist build events",
					slog.String("invocationId", inv.ID()),
					slog.Any("error", err))
			}
		})
		latch.countDown()
	}()

	go func() {
		<-latch.wait()
		if err := o.provider.EndSession(ctx, streamID); err != nil {
			o.logger.Error("Failed to end persistence session",
				slog.String("invocationId", inv.ID()),
				slog.Any("error", err))
		}
		o.logger.Info("Invocation marked complete, closed persistence session",
			slog.String("invocationId", inv.ID()))
	}()
}

// FetchRef loads the persisted snapshot for an invocation id.
func (o *Orchestrator) FetchRef(invocationID string) (*invocation.Ref, error) {
	return o.provider.FetchRef(context.Background(), invocation.StreamID{InvocationID: invocationID})
}

// FetchBuildEvents loads the persisted raw event log for an invocation id.
func (o *Orchestrator) FetchBuildEvents(invocationID string) ([]*buildevent.BuildEvent, error) {
	return o.provider.FetchBuildEvents(context.Background(), invocation.StreamID{InvocationID: invocationID})
}
