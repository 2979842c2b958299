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

// Package buildevent models the subset of the Bazel build event stream schema
// that the server consumes. Events arrive embedded in BES publish requests as
// a serialized build_event_stream.BuildEvent; Unmarshal decodes them directly
// from the wire format without generated bindings.
package buildevent

import "encoding/json"

// Kind discriminates the event identifier. Exactly one identifier is set on
// every build event; unknown identifiers decode as KindUnknown and are
// dropped by the dispatcher.
type Kind int

const (
	KindUnknown Kind = iota
	KindProgress
	KindStarted
	KindPattern
	KindPatternSkipped
	KindTargetConfigured
	KindTargetCompleted
	KindActionCompleted
	KindTestResult
	KindTestSummary
	KindBuildFinished
	KindUnstructuredCommandLine
	KindStructuredCommandLine
	KindOptionsParsed
	KindWorkspaceStatus
	KindFetch
	KindConfiguration
	KindNamedSet
	KindUnconfiguredLabel
	KindConfiguredLabel
	KindBuildToolLogs
	KindBuildMetrics
	KindWorkspace
	KindBuildMetadata
	KindConvenienceSymlinks
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindProgress:                "progress",
	KindStarted:                 "started",
	KindPattern:                 "pattern",
	KindPatternSkipped:          "patternSkipped",
	KindTargetConfigured:        "targetConfigured",
	KindTargetCompleted:         "targetCompleted",
	KindActionCompleted:         "actionCompleted",
	KindTestResult:              "testResult",
	KindTestSummary:             "testSummary",
	KindBuildFinished:           "buildFinished",
	KindUnstructuredCommandLine: "unstructuredCommandLine",
	KindStructuredCommandLine:   "structuredCommandLine",
	KindOptionsParsed:           "optionsParsed",
	KindWorkspaceStatus:         "workspaceStatus",
	KindFetch:                   "fetch",
	KindConfiguration:           "configuration",
	KindNamedSet:                "namedSet",
	KindUnconfiguredLabel:       "unconfiguredLabel",
	KindConfiguredLabel:         "configuredLabel",
	KindBuildToolLogs:           "buildToolLogs",
	KindBuildMetrics:            "buildMetrics",
	KindWorkspace:               "workspace",
	KindBuildMetadata:           "buildMetadata",
	KindConvenienceSymlinks:     "convenienceSymlinks",
}

var kindValues = func() map[string]Kind {
	values := make(map[string]Kind, len(kindNames))
	for kind, name := range kindNames {
		values[name] = kind
	}
	return values
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON renders the kind by name so the raw event log stays readable.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses the name form written by MarshalJSON. Names from a
// newer writer map to KindUnknown rather than failing the whole log.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*k = kindValues[name]
	return nil
}

// ID carries the identifier fields relevant to the kinds the server handles.
// Fields not applicable to the event's kind are zero.
type ID struct {
	// Label identifies the target for targetConfigured, targetCompleted,
	// actionCompleted, testResult and testSummary events.
	Label string `json:"label,omitempty"`

	// FetchURL is the external resource named by a fetch event.
	FetchURL string `json:"fetchUrl,omitempty"`

	// NamedSetID keys a namedSet event's file set node.
	NamedSetID string `json:"namedSetId,omitempty"`

	// Patterns holds the expanded target patterns of a pattern event.
	Patterns []string `json:"patterns,omitempty"`

	// CommandLineLabel distinguishes the multiple structuredCommandLine
	// events of one invocation ("original", "canonical", ...).
	CommandLineLabel string `json:"commandLineLabel,omitempty"`

	// TestRun, TestShard and TestAttempt identify the individual test
	// action of a testResult event. Attempts count from 1.
	TestRun     int32 `json:"testRun,omitempty"`
	TestShard   int32 `json:"testShard,omitempty"`
	TestAttempt int32 `json:"testAttempt,omitempty"`
}

// BuildEvent is one decoded build-tool event. Kind tells which payload
// pointer is populated; payloads for kinds the server ignores are dropped at
// decode time.
type BuildEvent struct {
	Kind        Kind `json:"kind"`
	ID          ID   `json:"id"`
	LastMessage bool `json:"lastMessage,omitempty"`

	Progress                *Progress                `json:"progress,omitempty"`
	Aborted                 *Aborted                 `json:"aborted,omitempty"`
	Started                 *BuildStarted            `json:"started,omitempty"`
	Finished                *BuildFinished           `json:"finished,omitempty"`
	UnstructuredCommandLine *UnstructuredCommandLine `json:"unstructuredCommandLine,omitempty"`
	StructuredCommandLine   *CommandLine             `json:"structuredCommandLine,omitempty"`
	WorkspaceStatus         *WorkspaceStatus         `json:"workspaceStatus,omitempty"`
	Fetch                   *Fetch                   `json:"fetch,omitempty"`
	Configuration           *Configuration           `json:"configuration,omitempty"`
	TargetConfigured        *TargetConfigured        `json:"configured,omitempty"`
	TargetCompleted         *TargetCompleted         `json:"completed,omitempty"`
	Action                  *ActionExecuted          `json:"action,omitempty"`
	NamedSetOfFiles         *NamedSetOfFiles         `json:"namedSetOfFiles,omitempty"`
	TestResult              *TestResult              `json:"testResult,omitempty"`
	BuildMetrics            *BuildMetrics            `json:"buildMetrics,omitempty"`
	BuildMetadata           *BuildMetadata           `json:"buildMetadata,omitempty"`
}

// Progress carries the stdout/stderr chunks produced since the previous
// progress event.
type Progress struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Aborted replaces the regular payload of an event whose target was not
// built or tested.
type Aborted struct {
	Reason      int32  `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

type BuildStarted struct {
	UUID               string `json:"uuid,omitempty"`
	StartTimeMillis    int64  `json:"startTimeMillis,omitempty"`
	BuildToolVersion   string `json:"buildToolVersion,omitempty"`
	OptionsDescription string `json:"optionsDescription,omitempty"`
	Command            string `json:"command,omitempty"`
	WorkingDirectory   string `json:"workingDirectory,omitempty"`
	WorkspaceDirectory string `json:"workspaceDirectory,omitempty"`
}

// ExitCode pairs the numeric exit code with its symbolic name. A build
// succeeded iff Code is 0.
type ExitCode struct {
	Name string `json:"name,omitempty"`
	Code int32  `json:"code"`
}

type BuildFinished struct {
	OverallSuccess   bool     `json:"overallSuccess,omitempty"`
	FinishTimeMillis int64    `json:"finishTimeMillis,omitempty"`
	ExitCode         ExitCode `json:"exitCode"`
}

type UnstructuredCommandLine struct {
	Args []string `json:"args,omitempty"`
}

// CommandLine is the structured command line from the command_line schema.
type CommandLine struct {
	Label    string               `json:"commandLineLabel,omitempty"`
	Sections []CommandLineSection `json:"sections,omitempty"`
}

// CommandLineSection holds either a chunk list or an option list, never both.
type CommandLineSection struct {
	Label   string   `json:"sectionLabel,omitempty"`
	Chunks  []string `json:"chunks,omitempty"`
	Options []Option `json:"options,omitempty"`
}

type Option struct {
	CombinedForm string `json:"combinedForm,omitempty"`
	Name         string `json:"optionName,omitempty"`
	Value        string `json:"optionValue,omitempty"`
}

type WorkspaceStatusItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type WorkspaceStatus struct {
	Items []WorkspaceStatusItem `json:"items,omitempty"`
}

type Fetch struct {
	Success bool `json:"success"`
}

type Configuration struct {
	Mnemonic      string            `json:"mnemonic,omitempty"`
	PlatformName  string            `json:"platformName,omitempty"`
	CPU           string            `json:"cpu,omitempty"`
	MakeVariables map[string]string `json:"makeVariables,omitempty"`
}

// Test sizes as declared by the test rule.
const (
	TestSizeUnknown int32 = iota
	TestSizeSmall
	TestSizeMedium
	TestSizeLarge
	TestSizeEnormous
)

var testSizeNames = map[int32]string{
	TestSizeUnknown:  "UNKNOWN",
	TestSizeSmall:    "SMALL",
	TestSizeMedium:   "MEDIUM",
	TestSizeLarge:    "LARGE",
	TestSizeEnormous: "ENORMOUS",
}

// TestSizeName returns the schema name for a test size value.
func TestSizeName(size int32) string {
	if name, ok := testSizeNames[size]; ok {
		return name
	}
	return "UNKNOWN"
}

type TargetConfigured struct {
	TargetKind string   `json:"targetKind,omitempty"`
	TestSize   int32    `json:"testSize,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// File references an artifact, either by URI into the CAS or inline for very
// small contents.
type File struct {
	Name       string   `json:"name,omitempty"`
	URI        string   `json:"uri,omitempty"`
	Contents   []byte   `json:"contents,omitempty"`
	PathPrefix []string `json:"pathPrefix,omitempty"`
}

// OutputGroup names the file sets holding one output group of a completed
// target.
type OutputGroup struct {
	Name       string   `json:"name,omitempty"`
	FileSetIDs []string `json:"fileSetIds,omitempty"`
}

type TargetCompleted struct {
	Success      bool          `json:"success"`
	Tags         []string      `json:"tags,omitempty"`
	OutputGroups []OutputGroup `json:"outputGroups,omitempty"`
}

type ActionExecuted struct {
	Success  bool  `json:"success"`
	ExitCode int32 `json:"exitCode,omitempty"`
}

// NamedSetOfFiles is one node of the file-set graph: direct files plus
// references to other nodes by id.
type NamedSetOfFiles struct {
	Files      []File   `json:"files,omitempty"`
	FileSetIDs []string `json:"fileSetIds,omitempty"`
}

// Test statuses from the build event stream schema.
const (
	TestStatusNoStatus int32 = iota
	TestStatusPassed
	TestStatusFlaky
	TestStatusTimeout
	TestStatusFailed
	TestStatusIncomplete
	TestStatusRemoteFailure
	TestStatusFailedToBuild
	TestStatusToolHaltedBeforeTesting
)

var testStatusNames = map[int32]string{
	TestStatusNoStatus:                "NO_STATUS",
	TestStatusPassed:                  "PASSED",
	TestStatusFlaky:                   "FLAKY",
	TestStatusTimeout:                 "TIMEOUT",
	TestStatusFailed:                  "FAILED",
	TestStatusIncomplete:              "INCOMPLETE",
	TestStatusRemoteFailure:           "REMOTE_FAILURE",
	TestStatusFailedToBuild:           "FAILED_TO_BUILD",
	TestStatusToolHaltedBeforeTesting: "TOOL_HALTED_BEFORE_TESTING",
}

// TestStatusName returns the schema name for a test status value.
func TestStatusName(status int32) string {
	if name, ok := testStatusNames[status]; ok {
		return name
	}
	return "NO_STATUS"
}

type ExecutionInfo struct {
	Strategy       string `json:"strategy,omitempty"`
	CachedRemotely bool   `json:"cachedRemotely,omitempty"`
}

type TestResult struct {
	Status                      int32          `json:"status"`
	StatusDetails               string         `json:"statusDetails,omitempty"`
	CachedLocally               bool           `json:"cachedLocally,omitempty"`
	TestAttemptStartMillisEpoch int64          `json:"testAttemptStartMillisEpoch,omitempty"`
	TestAttemptDurationMillis   int64          `json:"testAttemptDurationMillis,omitempty"`
	TestActionOutput            []File         `json:"testActionOutput,omitempty"`
	ExecutionInfo               *ExecutionInfo `json:"executionInfo,omitempty"`
}

type BuildMetrics struct {
	ActionsCreated  int64 `json:"actionsCreated,omitempty"`
	ActionsExecuted int64 `json:"actionsExecuted,omitempty"`
	PackagesLoaded  int64 `json:"packagesLoaded,omitempty"`
}

type BuildMetadata struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}
