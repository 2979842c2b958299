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

// Package invocation holds the per-build aggregate: a queryable snapshot of
// one build invocation plus a typed change bus that downstream consumers
// (persistence, dashboards) subscribe to.
package invocation

// StreamID scopes all events of one build attempt.
type StreamID struct {
	InvocationID string `json:"invocationId"`
}

// OutputFile references an artifact by its location in the CAS.
type OutputFile struct {
	Name     string   `json:"name"`
	Location string   `json:"location"`
	Prefix   []string `json:"prefix,omitempty"`
}

// FileSetNode is one node of the named file-set graph: direct files plus
// references to other nodes by id.
type FileSetNode struct {
	Files []OutputFile `json:"files,omitempty"`
	Refs  []string     `json:"refs,omitempty"`
}

// FileSet maps opaque set ids to nodes. The graph is a DAG by contract of
// the event producer; traversal still guards against cycles.
type FileSet map[string]FileSetNode

// ExitCode pairs the numeric invocation exit code with its symbolic name.
type ExitCode struct {
	Name string `json:"name"`
	Code int32  `json:"code"`
}

// TestSummary counts test results observed so far. Exactly one of
// Successful, Flaky or Failed increments per result; Total always does.
type TestSummary struct {
	Successful int `json:"successful"`
	Flaky      int `json:"flaky"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Metrics summarizes build-tool work counters.
type Metrics struct {
	ActionsExecuted int64 `json:"actionsExecuted"`
	ActionsCreated  int64 `json:"actionsCreated,omitempty"`
	PackagesLoaded  int64 `json:"packagesLoaded,omitempty"`
}

// InvocationDetails carries tool-level information about the invocation.
type InvocationDetails struct {
	StartTimeMillis    int64             `json:"startTimeMillis,omitempty"`
	FinishTimeMillis   int64             `json:"finishTimeMillis,omitempty"`
	BuildToolVersion   string            `json:"buildToolVersion,omitempty"`
	Command            string            `json:"command,omitempty"`
	Pattern            []string          `json:"pattern,omitempty"`
	WorkspaceDirectory string            `json:"workspaceDirectory,omitempty"`
	ExitCode           *ExitCode         `json:"exitCode,omitempty"`
	TestSummary        *TestSummary      `json:"testSummary,omitempty"`
	Metrics            Metrics           `json:"metrics"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	MakeVariables      map[string]string `json:"makeVariables,omitempty"`
}

// HostDetails describes the machine the build tool ran on.
type HostDetails struct {
	CPU          string            `json:"cpu,omitempty"`
	PlatformName string            `json:"platformName,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Target states as tracked by the aggregate.
const (
	TargetConfigured = "configured"
	TargetCompleted  = "completed"
	TargetAborted    = "aborted"
)

// TestResult summarizes one test action for a target.
type TestResult struct {
	Status   string      `json:"status"`
	Duration int64       `json:"duration"`
	Run      int32       `json:"run"`
	Attempt  int32       `json:"attempt"`
	Start    int64       `json:"start"`
	Strategy string      `json:"strategy,omitempty"`
	Cached   bool        `json:"cached"`
	Log      *OutputFile `json:"log,omitempty"`
	Report   *OutputFile `json:"report,omitempty"`
}

// Target is one configured target of the invocation, keyed by label.
type Target struct {
	Label            string      `json:"label"`
	State            string      `json:"state"`
	Kind             string      `json:"kind,omitempty"`
	Size             string      `json:"size,omitempty"`
	Tags             []string    `json:"tags,omitempty"`
	Success          *bool       `json:"success,omitempty"`
	AbortDescription string      `json:"abortDescription,omitempty"`
	TestResult       *TestResult `json:"testResult,omitempty"`

	// Outputs maps output-group names to the file-set ids holding the
	// group's artifacts. Files are resolved lazily through the graph.
	Outputs FileSet `json:"outputs,omitempty"`
}

// TargetMap keys targets by label.
type TargetMap map[string]Target

// WorkspaceStatusItem is one key/value pair from the workspace status tool.
type WorkspaceStatusItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FetchedResource records one external fetch the build performed.
type FetchedResource struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
}

// CommandOption is one parsed option of the canonical command line.
type CommandOption struct {
	OptionName  string `json:"optionName"`
	OptionValue string `json:"optionValue"`
}

// CommandLineSections holds the canonical command line split into its
// well-known sections.
type CommandLineSections struct {
	Executable  []string        `json:"executable"`
	Residual    []string        `json:"residual"`
	Command     []string        `json:"command"`
	StartupArgs []CommandOption `json:"startupArgs"`
	CommandArgs []CommandOption `json:"commandArgs"`
}

// StructuredCommandLine is the parsed canonical command line.
type StructuredCommandLine struct {
	Sections *CommandLineSections `json:"sections,omitempty"`
}

// Ref is the serializable snapshot of one invocation.
type Ref struct {
	StreamID                       StreamID               `json:"streamId"`
	InvocationDetails              InvocationDetails      `json:"invocationDetails"`
	HostDetails                    HostDetails            `json:"hostDetails"`
	Targets                        TargetMap              `json:"targets"`
	Progress                       []string               `json:"progress"`
	Fetched                        []FetchedResource      `json:"fetched"`
	WorkspaceStatus                []WorkspaceStatusItem  `json:"workspaceStatus,omitempty"`
	CanonicalStructuredCommandLine *StructuredCommandLine `json:"canonicalStructuredCommandLine,omitempty"`
	FileSets                       FileSet                `json:"fileSets,omitempty"`
}

// NewRef returns an empty snapshot for the given invocation id.
func NewRef(invocationID string) *Ref {
	return &Ref{
		StreamID: StreamID{InvocationID: invocationID},
		Targets:  TargetMap{},
		Progress: []string{},
		Fetched:  []FetchedResource{},
		FileSets: FileSet{},
	}
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d InvocationDetails) clone() InvocationDetails {
	out := d
	out.Pattern = append([]string(nil), d.Pattern...)
	if d.ExitCode != nil {
		ec := *d.ExitCode
		out.ExitCode = &ec
	}
	if d.TestSummary != nil {
		ts := *d.TestSummary
		out.TestSummary = &ts
	}
	out.Metadata = copyStringMap(d.Metadata)
	out.MakeVariables = copyStringMap(d.MakeVariables)
	return out
}

func (h HostDetails) clone() HostDetails {
	out := h
	out.Env = copyStringMap(h.Env)
	return out
}

func (t Target) clone() Target {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	if t.Success != nil {
		s := *t.Success
		out.Success = &s
	}
	if t.TestResult != nil {
		tr := *t.TestResult
		if tr.Log != nil {
			log := *tr.Log
			tr.Log = &log
		}
		if tr.Report != nil {
			report := *tr.Report
			tr.Report = &report
		}
		out.TestResult = &tr
	}
	out.Outputs = t.Outputs.clone()
	return out
}

func (fs FileSet) clone() FileSet {
	if fs == nil {
		return nil
	}
	out := make(FileSet, len(fs))
	for id, node := range fs {
		out[id] = FileSetNode{
			Files: append([]OutputFile(nil), node.Files...),
			Refs:  append([]string(nil), node.Refs...),
		}
	}
	return out
}

func (cl *StructuredCommandLine) clone() *StructuredCommandLine {
	if cl == nil {
		return nil
	}
	out := &StructuredCommandLine{}
	if cl.Sections != nil {
		out.Sections = &CommandLineSections{
			Executable:  append([]string(nil), cl.Sections.Executable...),
			Residual:    append([]string(nil), cl.Sections.Residual...),
			Command:     append([]string(nil), cl.Sections.Command...),
			StartupArgs: append([]CommandOption(nil), cl.Sections.StartupArgs...),
			CommandArgs: append([]CommandOption(nil), cl.Sections.CommandArgs...),
		}
	}
	return out
}

// Clone returns a deep copy safe to use after the aggregate mutates again.
func (r *Ref) Clone() *Ref {
	out := &Ref{
		StreamID:          r.StreamID,
		InvocationDetails: r.InvocationDetails.clone(),
		HostDetails:       r.HostDetails.clone(),
		Targets:           make(TargetMap, len(r.Targets)),
		Progress:          append([]string(nil), r.Progress...),
		Fetched:           append([]FetchedResource(nil), r.Fetched...),
		WorkspaceStatus:   append([]WorkspaceStatusItem(nil), r.WorkspaceStatus...),
		FileSets:          r.FileSets.clone(),
	}
	for label, target := range r.Targets {
		out.Targets[label] = target.clone()
	}
	out.CanonicalStructuredCommandLine = r.CanonicalStructuredCommandLine.clone()
	return out
}
