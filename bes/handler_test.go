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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/buildlake/buildevent"
	"github.com/cardinalhq/buildlake/invocation"
)

func testHandler() *EventHandler {
	return NewEventHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleStartedAndFinished(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	ok := h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindStarted,
		Started: &buildevent.BuildStarted{
			BuildToolVersion:   "release 7.1.1",
			Command:            "test",
			StartTimeMillis:    1000,
			WorkspaceDirectory: "/ws",
		},
	})
	require.True(t, ok)
	assert.Equal(t, invocation.StateRunning, inv.State())

	snap := inv.Snapshot()
	assert.Equal(t, "release 7.1.1", snap.InvocationDetails.BuildToolVersion)
	assert.Equal(t, "test", snap.InvocationDetails.Command)
	assert.Equal(t, int64(1000), snap.InvocationDetails.StartTimeMillis)
	assert.Equal(t, "/ws", snap.InvocationDetails.WorkspaceDirectory)

	ok = h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindBuildFinished,
		Finished: &buildevent.BuildFinished{
			FinishTimeMillis: 2000,
			ExitCode:         buildevent.ExitCode{Name: "SUCCESS", Code: 0},
		},
	})
	require.True(t, ok)
	assert.Equal(t, invocation.StateSuccessful, inv.State())

	ok = h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindBuildFinished,
		Finished: &buildevent.BuildFinished{
			ExitCode: buildevent.ExitCode{Name: "BUILD_FAILURE", Code: 1},
		},
	})
	require.True(t, ok)
	assert.Equal(t, invocation.StateFailed, inv.State())
}

func TestHandleTargetLifecycleScenario(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindTargetConfigured,
		ID:   buildevent.ID{Label: "//a:t"},
		TargetConfigured: &buildevent.TargetConfigured{
			TargetKind: "go_test rule",
			TestSize:   buildevent.TestSizeSmall,
			Tags:       []string{"unit"},
		},
	}))

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:            buildevent.KindTargetCompleted,
		ID:              buildevent.ID{Label: "//a:t"},
		TargetCompleted: &buildevent.TargetCompleted{Success: true},
	}))

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:       buildevent.KindTestResult,
		ID:         buildevent.ID{Label: "//a:t", TestRun: 1, TestAttempt: 1},
		TestResult: &buildevent.TestResult{Status: buildevent.TestStatusPassed},
	}))

	target, ok := inv.Target("//a:t")
	require.True(t, ok)
	assert.Equal(t, invocation.TargetCompleted, target.State)
	require.NotNil(t, target.Success)
	assert.True(t, *target.Success)
	require.NotNil(t, target.TestResult)
	assert.Equal(t, "PASSED", target.TestResult.Status)

	summary := inv.Snapshot().InvocationDetails.TestSummary
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Total)
}

func TestHandleTargetCompletedRequiresConfigured(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:            buildevent.KindTargetCompleted,
		ID:              buildevent.ID{Label: "//a:unknown"},
		TargetCompleted: &buildevent.TargetCompleted{Success: true},
	}))
}

func TestHandleTargetAborted(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:             buildevent.KindTargetConfigured,
		ID:               buildevent.ID{Label: "//a:t"},
		TargetConfigured: &buildevent.TargetConfigured{},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:    buildevent.KindTargetCompleted,
		ID:      buildevent.ID{Label: "//a:t"},
		Aborted: &buildevent.Aborted{Description: "skipped by filter"},
	}))

	target, ok := inv.Target("//a:t")
	require.True(t, ok)
	assert.Equal(t, invocation.TargetAborted, target.State)
	require.NotNil(t, target.Success)
	assert.False(t, *target.Success)
	assert.Equal(t, "skipped by filter", target.AbortDescription)
}

func TestHandleTestResultSummaryCounting(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	statuses := []int32{
		buildevent.TestStatusPassed,
		buildevent.TestStatusPassed,
		buildevent.TestStatusFlaky,
		buildevent.TestStatusFailed,
		buildevent.TestStatusTimeout,
	}
	for i, status := range statuses {
		label := "//t:" + string(rune('a'+i))
		require.True(t, h.Handle(inv, &buildevent.BuildEvent{
			Kind:             buildevent.KindTargetConfigured,
			ID:               buildevent.ID{Label: label},
			TargetConfigured: &buildevent.TargetConfigured{},
		}))
		require.True(t, h.Handle(inv, &buildevent.BuildEvent{
			Kind:       buildevent.KindTestResult,
			ID:         buildevent.ID{Label: label},
			TestResult: &buildevent.TestResult{Status: status},
		}))
	}

	summary := inv.Snapshot().InvocationDetails.TestSummary
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Flaky)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 5, summary.Total)
}

func TestHandleTestResultExtractsLogAndReport(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:             buildevent.KindTargetConfigured,
		ID:               buildevent.ID{Label: "//a:t"},
		TargetConfigured: &buildevent.TargetConfigured{},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindTestResult,
		ID:   buildevent.ID{Label: "//a:t"},
		TestResult: &buildevent.TestResult{
			Status:        buildevent.TestStatusPassed,
			CachedLocally: true,
			ExecutionInfo: &buildevent.ExecutionInfo{Strategy: "linux-sandbox"},
			TestActionOutput: []buildevent.File{
				{Name: "test.log", URI: "bytestream://host:1985/blobs/ab12/100"},
				{Name: "test.xml", URI: "bytestream://host:1985/blobs/cd34/200"},
				{Name: "test.outputs.zip", URI: "bytestream://host:1985/blobs/ef56/300"},
			},
		},
	}))

	target, _ := inv.Target("//a:t")
	require.NotNil(t, target.TestResult)
	assert.True(t, target.TestResult.Cached)
	assert.Equal(t, "linux-sandbox", target.TestResult.Strategy)
	require.NotNil(t, target.TestResult.Log)
	assert.Equal(t, "/blobs/ab12/100", target.TestResult.Log.Location)
	require.NotNil(t, target.TestResult.Report)
	assert.Equal(t, "/blobs/cd34/200", target.TestResult.Report.Location)
}

func TestHandleTestResultMissingPayloadOrTarget(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:       buildevent.KindTestResult,
		ID:         buildevent.ID{Label: "//a:unknown"},
		TestResult: &buildevent.TestResult{Status: buildevent.TestStatusPassed},
	}))

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:             buildevent.KindTargetConfigured,
		ID:               buildevent.ID{Label: "//a:t"},
		TargetConfigured: &buildevent.TargetConfigured{},
	}))
	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindTestResult,
		ID:   buildevent.ID{Label: "//a:t"},
	}))
	assert.Nil(t, inv.Snapshot().InvocationDetails.TestSummary)
}

func TestHandleStructuredCommandLine(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	canonical := &buildevent.BuildEvent{
		Kind: buildevent.KindStructuredCommandLine,
		ID:   buildevent.ID{CommandLineLabel: "canonical"},
		StructuredCommandLine: &buildevent.CommandLine{
			Label: "canonical",
			Sections: []buildevent.CommandLineSection{
				{Label: "executable", Chunks: []string{"bazel"}},
				{Label: "startup options", Options: []buildevent.Option{{Name: "host_jvm_args", Value: "-Xmx4g"}}},
				{Label: "command", Chunks: []string{"build"}},
				{Label: "command options", Options: []buildevent.Option{{Name: "jobs", Value: "8"}}},
				{Label: "residual", Chunks: []string{"//..."}},
			},
		},
	}
	require.True(t, h.Handle(inv, canonical))

	cl := inv.Snapshot().CanonicalStructuredCommandLine
	require.NotNil(t, cl)
	require.NotNil(t, cl.Sections)
	assert.Equal(t, []string{"bazel"}, cl.Sections.Executable)
	assert.Equal(t, []string{"build"}, cl.Sections.Command)
	assert.Equal(t, []string{"//..."}, cl.Sections.Residual)
	assert.Equal(t, []invocation.CommandOption{{OptionName: "host_jvm_args", OptionValue: "-Xmx4g"}}, cl.Sections.StartupArgs)
	assert.Equal(t, []invocation.CommandOption{{OptionName: "jobs", OptionValue: "8"}}, cl.Sections.CommandArgs)

	other := &buildevent.BuildEvent{
		Kind: buildevent.KindStructuredCommandLine,
		ID:   buildevent.ID{CommandLineLabel: "original"},
		StructuredCommandLine: &buildevent.CommandLine{
			Label:    "original",
			Sections: []buildevent.CommandLineSection{{Label: "executable", Chunks: []string{"other"}}},
		},
	}
	assert.False(t, h.Handle(inv, other))
	assert.Equal(t, []string{"bazel"}, inv.Snapshot().CanonicalStructuredCommandLine.Sections.Executable)
}

func TestHandleConfigurationAndWorkspaceStatus(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindConfiguration,
		Configuration: &buildevent.Configuration{
			CPU:           "k8",
			PlatformName:  "local_linux",
			MakeVariables: map[string]string{"CC": "clang"},
		},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindWorkspaceStatus,
		WorkspaceStatus: &buildevent.WorkspaceStatus{
			Items: []buildevent.WorkspaceStatusItem{{Key: "BUILD_USER", Value: "dev"}},
		},
	}))

	snap := inv.Snapshot()
	assert.Equal(t, "k8", snap.HostDetails.CPU)
	assert.Equal(t, "local_linux", snap.HostDetails.PlatformName)
	assert.Equal(t, map[string]string{"CC": "clang"}, snap.InvocationDetails.MakeVariables)
	assert.Equal(t, []invocation.WorkspaceStatusItem{{Key: "BUILD_USER", Value: "dev"}}, snap.WorkspaceStatus)
}

func TestHandleProgressSkipsEmpty(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:     buildevent.KindProgress,
		Progress: &buildevent.Progress{},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:     buildevent.KindProgress,
		Progress: &buildevent.Progress{Stdout: "out", Stderr: "err"},
	}))
	assert.Equal(t, []string{"errout"}, inv.Snapshot().Progress)
}

func TestHandleFetchNamedSetMetadataPattern(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")

	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:  buildevent.KindFetch,
		ID:    buildevent.ID{FetchURL: "https://example.com/dep"},
		Fetch: &buildevent.Fetch{Success: true},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindNamedSet,
		ID:   buildevent.ID{NamedSetID: "0"},
		NamedSetOfFiles: &buildevent.NamedSetOfFiles{
			Files:      []buildevent.File{{Name: "a.out", URI: "bytestream://h/blobs/aa/1"}},
			FileSetIDs: []string{"1"},
		},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:          buildevent.KindBuildMetadata,
		BuildMetadata: &buildevent.BuildMetadata{Metadata: map[string]string{"ROLE": "ci"}},
	}))
	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind:          buildevent.KindBuildMetadata,
		BuildMetadata: &buildevent.BuildMetadata{Metadata: map[string]string{}},
	}))
	require.True(t, h.Handle(inv, &buildevent.BuildEvent{
		Kind: buildevent.KindPattern,
		ID:   buildevent.ID{Patterns: []string{"//..."}},
	}))

	snap := inv.Snapshot()
	assert.Equal(t, []invocation.FetchedResource{{URL: "https://example.com/dep", Success: true}}, snap.Fetched)
	require.Contains(t, snap.FileSets, "0")
	assert.Equal(t, "/blobs/aa/1", snap.FileSets["0"].Files[0].Location)
	assert.Equal(t, []string{"1"}, snap.FileSets["0"].Refs)
	assert.Equal(t, map[string]string{"ROLE": "ci"}, snap.InvocationDetails.Metadata)
	assert.Equal(t, []string{"//..."}, snap.InvocationDetails.Pattern)
}

func TestHandleUnknownKind(t *testing.T) {
	h := testHandler()
	inv := invocation.New("inv-1")
	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{Kind: buildevent.KindUnknown}))
	assert.False(t, h.Handle(inv, &buildevent.BuildEvent{Kind: buildevent.KindBuildToolLogs}))
}
