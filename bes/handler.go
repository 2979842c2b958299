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

// Package bes terminates the build event service protocol: the streaming
// RPCs, the per-invocation session registry and the handler that folds
// decoded events into the invocation aggregate.
package bes

import (
	"log/slog"
	"strings"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

// EventHandler folds one decoded build event into the invocation aggregate.
// Each handle method reports whether it produced an observable mutation;
// unknown or no-op events report false and are dropped.
type EventHandler struct {
	logger *slog.Logger
}

// NewEventHandler returns a handler logging through the given logger.
func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{logger: logger}
}

// Handle dispatches on the event's identifier kind.
func (h *EventHandler) Handle(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	switch event.Kind {
	case buildevent.KindStarted:
		return h.handleStarted(inv, event)
	case buildevent.KindBuildFinished:
		return h.handleBuildFinished(inv, event)
	case buildevent.KindPattern:
		return h.handlePattern(inv, event)
	case buildevent.KindProgress:
		return h.handleProgress(inv, event)
	case buildevent.KindTargetConfigured:
		return h.handleTargetConfigured(inv, event)
	case buildevent.KindTargetCompleted:
		return h.handleTargetCompleted(inv, event)
	case buildevent.KindActionCompleted:
		return h.handleActionCompleted(inv, event)
	case buildevent.KindTestResult:
		return h.handleTestResult(inv, event)
	case buildevent.KindBuildMetrics:
		return h.handleBuildMetrics(inv, event)
	case buildevent.KindBuildMetadata:
		return h.handleBuildMetadata(inv, event)
	case buildevent.KindConfiguration:
		return h.handleConfiguration(inv, event)
	case buildevent.KindWorkspaceStatus:
		return h.handleWorkspaceStatus(inv, event)
	case buildevent.KindStructuredCommandLine:
		return h.handleStructuredCommandLine(inv, event)
	case buildevent.KindFetch:
		return h.handleFetch(inv, event)
	case buildevent.KindNamedSet:
		return h.handleNamedSet(inv, event)
	default:
		return false
	}
}

func (h *EventHandler) handleStarted(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	started := event.Started
	if started == nil {
		return false
	}
	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.BuildToolVersion = started.BuildToolVersion
		d.Command = started.Command
		d.StartTimeMillis = started.StartTimeMillis
		d.WorkspaceDirectory = started.WorkspaceDirectory
	})
	inv.SetState(invocation.StateRunning)
	return true
}

func (h *EventHandler) handleBuildFinished(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	finished := event.Finished
	if finished == nil {
		return false
	}
	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.ExitCode = &invocation.ExitCode{
			Name: finished.ExitCode.Name,
			Code: finished.ExitCode.Code,
		}
		d.FinishTimeMillis = finished.FinishTimeMillis
	})
	if finished.ExitCode.Code == 0 {
		inv.SetState(invocation.StateSuccessful)
	} else {
		inv.SetState(invocation.StateFailed)
	}
	return true
}

func (h *EventHandler) handlePattern(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.Pattern = event.ID.Patterns
	})
	return true
}

func (h *EventHandler) handleProgress(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	progress := event.Progress
	if progress == nil {
		return false
	}
	lines := progress.Stderr + progress.Stdout
	if lines == "" {
		return false
	}
	inv.AppendProgress(lines)
	return true
}

func (h *EventHandler) handleTargetConfigured(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	configured := event.TargetConfigured
	if configured == nil {
		return false
	}
	inv.PutTarget(event.ID.Label, invocation.Target{
		State: invocation.TargetConfigured,
		Size:  buildevent.TestSizeName(configured.TestSize),
		Kind:  configured.TargetKind,
		Tags:  configured.Tags,
	})
	return true
}

func (h *EventHandler) handleTargetCompleted(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	switch {
	case event.TargetCompleted != nil:
		completed := event.TargetCompleted
		return inv.MutateTarget(event.ID.Label, func(target *invocation.Target) {
			success := completed.Success
			target.Success = &success
			target.State = invocation.TargetCompleted
			if len(completed.OutputGroups) > 0 {
				outputs := invocation.FileSet{}
				for _, group := range completed.OutputGroups {
					outputs[group.Name] = invocation.FileSetNode{Refs: group.FileSetIDs}
				}
				target.Outputs = outputs
			}
		})
	case event.Aborted != nil:
		aborted := event.Aborted
		return inv.MutateTarget(event.ID.Label, func(target *invocation.Target) {
			success := false
			target.Success = &success
			target.State = invocation.TargetAborted
			target.AbortDescription = aborted.Description
		})
	default:
		return false
	}
}

func (h *EventHandler) handleActionCompleted(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	if event.ID.Label == "" {
		h.logger.Warn("Orphaned action completion", slog.Any("action", event.Action))
	}
	// Nothing is tracked per action beyond the target completion events.
	return false
}

func (h *EventHandler) handleTestResult(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	result := event.TestResult
	if result == nil {
		// The target could have been aborted.
		return false
	}

	status := buildevent.TestStatusName(result.Status)
	mutated := inv.MutateTarget(event.ID.Label, func(target *invocation.Target) {
		cached := result.CachedLocally
		if result.ExecutionInfo != nil {
			cached = cached || result.ExecutionInfo.CachedRemotely
		}
		testResult := &invocation.TestResult{
			Status:   status,
			Duration: result.TestAttemptDurationMillis,
			Start:    result.TestAttemptStartMillisEpoch,
			Cached:   cached,
			Attempt:  event.ID.TestAttempt,
			Run:      event.ID.TestRun,
		}
		if result.ExecutionInfo != nil {
			testResult.Strategy = result.ExecutionInfo.Strategy
		}
		for _, out := range result.TestActionOutput {
			switch out.Name {
			case "test.log":
				testResult.Log = outputFileFor(out)
			case "test.xml":
				testResult.Report = outputFileFor(out)
			}
		}
		target.TestResult = testResult
	})
	if !mutated {
		return false
	}

	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		summary := d.TestSummary
		if summary == nil {
			summary = &invocation.TestSummary{}
			d.TestSummary = summary
		}
		switch status {
		case "PASSED":
			summary.Successful++
		case "FLAKY":
			summary.Flaky++
		default:
			summary.Failed++
		}
		summary.Total++
	})
	return true
}

func (h *EventHandler) handleBuildMetrics(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	metrics := event.BuildMetrics
	if metrics == nil {
		return false
	}
	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.Metrics = invocation.Metrics{
			ActionsCreated:  metrics.ActionsCreated,
			ActionsExecuted: metrics.ActionsExecuted,
			PackagesLoaded:  metrics.PackagesLoaded,
		}
	})
	return true
}

func (h *EventHandler) handleBuildMetadata(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	metadata := event.BuildMetadata
	if metadata == nil || len(metadata.Metadata) == 0 {
		return false
	}
	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.Metadata = metadata.Metadata
	})
	return true
}

func (h *EventHandler) handleConfiguration(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	configuration := event.Configuration
	if configuration == nil {
		return false
	}
	inv.UpdateHostDetails(func(hd *invocation.HostDetails) {
		hd.CPU = configuration.CPU
		hd.PlatformName = configuration.PlatformName
	})
	inv.UpdateDetails(func(d *invocation.InvocationDetails) {
		d.MakeVariables = configuration.MakeVariables
	})
	return true
}

func (h *EventHandler) handleWorkspaceStatus(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	status := event.WorkspaceStatus
	if status == nil {
		return false
	}
	items := make([]invocation.WorkspaceStatusItem, 0, len(status.Items))
	for _, item := range status.Items {
		items = append(items, invocation.WorkspaceStatusItem{Key: item.Key, Value: item.Value})
	}
	inv.SetWorkspaceStatus(items)
	return true
}

// handleStructuredCommandLine retains only the canonical command line. The
// five well-known sections are a precondition of that label; a canonical
// command line missing one is logged and dropped.
func (h *EventHandler) handleStructuredCommandLine(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	cl := event.StructuredCommandLine
	if cl == nil || cl.Label != "canonical" {
		return false
	}

	sections := map[string]buildevent.CommandLineSection{}
	for _, section := range cl.Sections {
		sections[section.Label] = section
	}
	for _, required := range []string{"executable", "command", "residual", "startup options", "command options"} {
		if _, ok := sections[required]; !ok {
			h.logger.Error("Canonical command line missing section",
				slog.String("invocationId", inv.ID()),
				slog.String("section", required))
			return false
		}
	}

	inv.SetCommandLine(&invocation.StructuredCommandLine{
		Sections: &invocation.CommandLineSections{
			Executable:  sections["executable"].Chunks,
			Command:     sections["command"].Chunks,
			Residual:    sections["residual"].Chunks,
			StartupArgs: commandOptions(sections["startup options"].Options),
			CommandArgs: commandOptions(sections["command options"].Options),
		},
	})
	return true
}

func commandOptions(options []buildevent.Option) []invocation.CommandOption {
	out := make([]invocation.CommandOption, 0, len(options))
	for _, option := range options {
		out = append(out, invocation.CommandOption{
			OptionName:  option.Name,
			OptionValue: option.Value,
		})
	}
	return out
}

func (h *EventHandler) handleFetch(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	fetch := event.Fetch
	if fetch == nil {
		return false
	}
	inv.AppendFetched(invocation.FetchedResource{
		URL:     event.ID.FetchURL,
		Success: fetch.Success,
	})
	return true
}

func (h *EventHandler) handleNamedSet(inv *invocation.Invocation, event *buildevent.BuildEvent) bool {
	set := event.NamedSetOfFiles
	if set == nil {
		return false
	}
	node := invocation.FileSetNode{Refs: set.FileSetIDs}
	for _, file := range set.Files {
		node.Files = append(node.Files, *outputFileFor(file))
	}
	inv.PutFileSet(event.ID.NamedSetID, node)
	return true
}

// outputFileFor converts an event file reference into a CAS-relative output
// file. Blob URIs like bytestream://host[:port]/blobs/<hash>/<size> reduce
// to their /blobs/ suffix, which the HTTP fetch surface serves directly.
func outputFileFor(file buildevent.File) *invocation.OutputFile {
	return &invocation.OutputFile{
		Name:     file.Name,
		Location: stripURIPrefix(file.URI),
		Prefix:   file.PathPrefix,
	}
}

func stripURIPrefix(uri string) string {
	if idx := strings.Index(uri, "/blobs/"); idx >= 0 {
		return uri[idx:]
	}
	return uri
}
