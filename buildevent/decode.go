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

package buildevent

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of build_event_stream.BuildEvent and its identifier. The
// schema is append-only upstream, so numbers are stable; fields we do not
// consume are skipped, which keeps decoding forward compatible.
const (
	fieldEventID          = 1
	fieldEventChildren    = 2
	fieldEventLastMessage = 20

	payloadProgress                = 3
	payloadAborted                 = 4
	payloadStarted                 = 5
	payloadAction                  = 7
	payloadCompleted               = 8
	payloadTestResult              = 10
	payloadUnstructuredCommandLine = 12
	payloadFinished                = 14
	payloadNamedSetOfFiles         = 15
	payloadWorkspaceStatus         = 16
	payloadConfiguration           = 17
	payloadConfigured              = 18
	payloadFetch                   = 21
	payloadStructuredCommandLine   = 22
	payloadBuildMetrics            = 24
	payloadBuildMetadata           = 26

	idUnknown                 = 1
	idProgress                = 2
	idStarted                 = 3
	idPattern                 = 4
	idTargetCompleted         = 5
	idActionCompleted         = 6
	idTestSummary             = 7
	idTestResult              = 8
	idBuildFinished           = 9
	idPatternSkipped          = 10
	idUnstructuredCommandLine = 11
	idOptionsParsed           = 12
	idNamedSet                = 13
	idWorkspaceStatus         = 14
	idConfiguration           = 15
	idTargetConfigured        = 16
	idFetch                   = 17
	idStructuredCommandLine   = 18
	idUnconfiguredLabel       = 19
	idBuildToolLogs           = 20
	idConfiguredLabel         = 21
	idBuildMetrics            = 22
	idWorkspace               = 23
	idBuildMetadata           = 24
	idConvenienceSymlinks     = 25
)

// wireScanner walks one serialized message field by field. The first wire
// error sticks; value accessors return zero values afterwards.
type wireScanner struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (s *wireScanner) next() bool {
	if s.err != nil || len(s.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return false
	}
	s.buf = s.buf[n:]
	s.num, s.typ = num, typ
	return true
}

func (s *wireScanner) skip() {
	if s.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(s.num, s.typ, s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return
	}
	s.buf = s.buf[n:]
}

func (s *wireScanner) bytes() []byte {
	if s.err != nil {
		return nil
	}
	if s.typ != protowire.BytesType {
		s.skip()
		return nil
	}
	v, n := protowire.ConsumeBytes(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return nil
	}
	s.buf = s.buf[n:]
	return v
}

func (s *wireScanner) string() string {
	return string(s.bytes())
}

func (s *wireScanner) varint() uint64 {
	if s.err != nil {
		return 0
	}
	if s.typ != protowire.VarintType {
		s.skip()
		return 0
	}
	v, n := protowire.ConsumeVarint(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0
	}
	s.buf = s.buf[n:]
	return v
}

func (s *wireScanner) bool() bool {
	return s.varint() != 0
}

func (s *wireScanner) int32() int32 {
	return int32(s.varint())
}

func (s *wireScanner) int64() int64 {
	return int64(s.varint())
}

// Unmarshal decodes a serialized build_event_stream.BuildEvent. Events whose
// identifier is not part of the consumed schema subset decode to KindUnknown
// rather than failing, so newer producers stay compatible.
func Unmarshal(data []byte) (*BuildEvent, error) {
	event := &BuildEvent{}
	s := &wireScanner{buf: data}
	for s.next() {
		switch s.num {
		case fieldEventID:
			decodeID(event, s.bytes())
		case fieldEventLastMessage:
			event.LastMessage = s.bool()
		case payloadProgress:
			event.Progress = decodeProgress(s.bytes())
		case payloadAborted:
			event.Aborted = decodeAborted(s.bytes())
		case payloadStarted:
			event.Started = decodeStarted(s.bytes())
		case payloadFinished:
			event.Finished = decodeFinished(s.bytes())
		case payloadConfigured:
			event.TargetConfigured = decodeTargetConfigured(s.bytes())
		case payloadCompleted:
			event.TargetCompleted = decodeTargetCompleted(s.bytes())
		case payloadAction:
			event.Action = decodeAction(s.bytes())
		case payloadTestResult:
			event.TestResult = decodeTestResult(s.bytes())
		case payloadNamedSetOfFiles:
			event.NamedSetOfFiles = decodeNamedSetOfFiles(s.bytes())
		case payloadWorkspaceStatus:
			event.WorkspaceStatus = decodeWorkspaceStatus(s.bytes())
		case payloadConfiguration:
			event.Configuration = decodeConfiguration(s.bytes())
		case payloadFetch:
			event.Fetch = decodeFetch(s.bytes())
		case payloadStructuredCommandLine:
			event.StructuredCommandLine = decodeCommandLine(s.bytes())
		case payloadUnstructuredCommandLine:
			event.UnstructuredCommandLine = decodeUnstructuredCommandLine(s.bytes())
		case payloadBuildMetrics:
			event.BuildMetrics = decodeBuildMetrics(s.bytes())
		case payloadBuildMetadata:
			event.BuildMetadata = decodeBuildMetadata(s.bytes())
		default:
			s.skip()
		}
	}
	if s.err != nil {
		return nil, fmt.Errorf("decode build event: %w", s.err)
	}
	return event, nil
}

var idKinds = map[protowire.Number]Kind{
	idUnknown:                 KindUnknown,
	idProgress:                KindProgress,
	idStarted:                 KindStarted,
	idPattern:                 KindPattern,
	idPatternSkipped:          KindPatternSkipped,
	idTargetConfigured:        KindTargetConfigured,
	idTargetCompleted:         KindTargetCompleted,
	idActionCompleted:         KindActionCompleted,
	idTestResult:              KindTestResult,
	idTestSummary:             KindTestSummary,
	idBuildFinished:           KindBuildFinished,
	idUnstructuredCommandLine: KindUnstructuredCommandLine,
	idStructuredCommandLine:   KindStructuredCommandLine,
	idOptionsParsed:           KindOptionsParsed,
	idWorkspaceStatus:         KindWorkspaceStatus,
	idFetch:                   KindFetch,
	idConfiguration:           KindConfiguration,
	idNamedSet:                KindNamedSet,
	idUnconfiguredLabel:       KindUnconfiguredLabel,
	idConfiguredLabel:         KindConfiguredLabel,
	idBuildToolLogs:           KindBuildToolLogs,
	idBuildMetrics:            KindBuildMetrics,
	idWorkspace:               KindWorkspace,
	idBuildMetadata:           KindBuildMetadata,
	idConvenienceSymlinks:     KindConvenienceSymlinks,
}

func decodeID(event *BuildEvent, b []byte) {
	s := &wireScanner{buf: b}
	for s.next() {
		kind, known := idKinds[s.num]
		if !known {
			s.skip()
			continue
		}
		event.Kind = kind
		body := s.bytes()
		switch kind {
		case KindTargetConfigured, KindTestSummary, KindUnconfiguredLabel, KindConfiguredLabel:
			event.ID.Label = decodeLabelID(body, 1)
		case KindTargetCompleted:
			event.ID.Label = decodeLabelID(body, 1)
		case KindActionCompleted:
			event.ID.Label = decodeLabelID(body, 2)
		case KindTestResult:
			decodeTestResultID(&event.ID, body)
		case KindFetch:
			event.ID.FetchURL = decodeLabelID(body, 1)
		case KindNamedSet:
			event.ID.NamedSetID = decodeLabelID(body, 1)
		case KindStructuredCommandLine:
			event.ID.CommandLineLabel = decodeLabelID(body, 1)
		case KindPattern, KindPatternSkipped:
			event.ID.Patterns = decodePatternID(body)
		}
	}
}

// decodeLabelID extracts a single string field from an identifier message.
func decodeLabelID(b []byte, num protowire.Number) string {
	s := &wireScanner{buf: b}
	var out string
	for s.next() {
		if s.num == num {
			out = s.string()
		} else {
			s.skip()
		}
	}
	return out
}

func decodePatternID(b []byte) []string {
	s := &wireScanner{buf: b}
	var patterns []string
	for s.next() {
		if s.num == 1 {
			patterns = append(patterns, s.string())
		} else {
			s.skip()
		}
	}
	return patterns
}

func decodeTestResultID(id *ID, b []byte) {
	s := &wireScanner{buf: b}
	for s.next() {
		switch s.num {
		case 1:
			id.Label = s.string()
		case 2:
			id.TestRun = s.int32()
		case 3:
			id.TestShard = s.int32()
		case 4:
			id.TestAttempt = s.int32()
		default:
			s.skip()
		}
	}
}

func decodeProgress(b []byte) *Progress {
	s := &wireScanner{buf: b}
	p := &Progress{}
	for s.next() {
		switch s.num {
		case 1:
			p.Stdout = s.string()
		case 2:
			p.Stderr = s.string()
		default:
			s.skip()
		}
	}
	return p
}

func decodeAborted(b []byte) *Aborted {
	s := &wireScanner{buf: b}
	a := &Aborted{}
	for s.next() {
		switch s.num {
		case 1:
			a.Reason = s.int32()
		case 2:
			a.Description = s.string()
		default:
			s.skip()
		}
	}
	return a
}

func decodeStarted(b []byte) *BuildStarted {
	s := &wireScanner{buf: b}
	st := &BuildStarted{}
	for s.next() {
		switch s.num {
		case 1:
			st.UUID = s.string()
		case 2:
			st.StartTimeMillis = s.int64()
		case 3:
			st.BuildToolVersion = s.string()
		case 4:
			st.OptionsDescription = s.string()
		case 5:
			st.Command = s.string()
		case 6:
			st.WorkingDirectory = s.string()
		case 7:
			st.WorkspaceDirectory = s.string()
		default:
			s.skip()
		}
	}
	return st
}

func decodeFinished(b []byte) *BuildFinished {
	s := &wireScanner{buf: b}
	f := &BuildFinished{}
	for s.next() {
		switch s.num {
		case 1:
			f.OverallSuccess = s.bool()
		case 2:
			f.FinishTimeMillis = s.int64()
		case 3:
			f.ExitCode = decodeExitCode(s.bytes())
		default:
			s.skip()
		}
	}
	return f
}

func decodeExitCode(b []byte) ExitCode {
	s := &wireScanner{buf: b}
	var ec ExitCode
	for s.next() {
		switch s.num {
		case 1:
			ec.Name = s.string()
		case 2:
			ec.Code = s.int32()
		default:
			s.skip()
		}
	}
	return ec
}

func decodeUnstructuredCommandLine(b []byte) *UnstructuredCommandLine {
	s := &wireScanner{buf: b}
	u := &UnstructuredCommandLine{}
	for s.next() {
		if s.num == 2 {
			u.Args = append(u.Args, s.string())
		} else {
			s.skip()
		}
	}
	return u
}

func decodeWorkspaceStatus(b []byte) *WorkspaceStatus {
	s := &wireScanner{buf: b}
	ws := &WorkspaceStatus{}
	for s.next() {
		if s.num != 1 {
			s.skip()
			continue
		}
		item := &wireScanner{buf: s.bytes()}
		var kv WorkspaceStatusItem
		for item.next() {
			switch item.num {
			case 1:
				kv.Key = item.string()
			case 2:
				kv.Value = item.string()
			default:
				item.skip()
			}
		}
		ws.Items = append(ws.Items, kv)
	}
	return ws
}

func decodeFetch(b []byte) *Fetch {
	s := &wireScanner{buf: b}
	f := &Fetch{}
	for s.next() {
		if s.num == 1 {
			f.Success = s.bool()
		} else {
			s.skip()
		}
	}
	return f
}

func decodeConfiguration(b []byte) *Configuration {
	s := &wireScanner{buf: b}
	c := &Configuration{}
	for s.next() {
		switch s.num {
		case 1:
			c.Mnemonic = s.string()
		case 2:
			c.PlatformName = s.string()
		case 3:
			c.CPU = s.string()
		case 4:
			if c.MakeVariables == nil {
				c.MakeVariables = map[string]string{}
			}
			k, v := decodeMapEntry(s.bytes())
			c.MakeVariables[k] = v
		default:
			s.skip()
		}
	}
	return c
}

func decodeMapEntry(b []byte) (string, string) {
	s := &wireScanner{buf: b}
	var key, value string
	for s.next() {
		switch s.num {
		case 1:
			key = s.string()
		case 2:
			value = s.string()
		default:
			s.skip()
		}
	}
	return key, value
}

func decodeTargetConfigured(b []byte) *TargetConfigured {
	s := &wireScanner{buf: b}
	tc := &TargetConfigured{}
	for s.next() {
		switch s.num {
		case 1:
			tc.TargetKind = s.string()
		case 2:
			tc.TestSize = s.int32()
		case 3:
			tc.Tags = append(tc.Tags, s.string())
		default:
			s.skip()
		}
	}
	return tc
}

func decodeFile(b []byte) File {
	s := &wireScanner{buf: b}
	var f File
	for s.next() {
		switch s.num {
		case 1:
			f.Name = s.string()
		case 2:
			f.URI = s.string()
		case 3:
			f.Contents = append([]byte(nil), s.bytes()...)
		case 4:
			f.PathPrefix = append(f.PathPrefix, s.string())
		default:
			s.skip()
		}
	}
	return f
}

func decodeOutputGroup(b []byte) OutputGroup {
	s := &wireScanner{buf: b}
	var og OutputGroup
	for s.next() {
		switch s.num {
		case 1:
			og.Name = s.string()
		case 3:
			og.FileSetIDs = append(og.FileSetIDs, decodeLabelID(s.bytes(), 1))
		default:
			s.skip()
		}
	}
	return og
}

func decodeTargetCompleted(b []byte) *TargetCompleted {
	s := &wireScanner{buf: b}
	tc := &TargetCompleted{}
	for s.next() {
		switch s.num {
		case 1:
			tc.Success = s.bool()
		case 2:
			tc.OutputGroups = append(tc.OutputGroups, decodeOutputGroup(s.bytes()))
		case 3:
			tc.Tags = append(tc.Tags, s.string())
		default:
			s.skip()
		}
	}
	return tc
}

func decodeAction(b []byte) *ActionExecuted {
	s := &wireScanner{buf: b}
	a := &ActionExecuted{}
	for s.next() {
		switch s.num {
		case 1:
			a.Success = s.bool()
		case 2:
			a.ExitCode = s.int32()
		default:
			s.skip()
		}
	}
	return a
}

func decodeNamedSetOfFiles(b []byte) *NamedSetOfFiles {
	s := &wireScanner{buf: b}
	ns := &NamedSetOfFiles{}
	for s.next() {
		switch s.num {
		case 1:
			ns.Files = append(ns.Files, decodeFile(s.bytes()))
		case 2:
			ns.FileSetIDs = append(ns.FileSetIDs, decodeLabelID(s.bytes(), 1))
		default:
			s.skip()
		}
	}
	return ns
}

func decodeExecutionInfo(b []byte) *ExecutionInfo {
	s := &wireScanner{buf: b}
	ei := &ExecutionInfo{}
	for s.next() {
		switch s.num {
		case 2:
			ei.Strategy = s.string()
		case 3:
			ei.CachedRemotely = s.bool()
		default:
			s.skip()
		}
	}
	return ei
}

func decodeTestResult(b []byte) *TestResult {
	s := &wireScanner{buf: b}
	tr := &TestResult{}
	for s.next() {
		switch s.num {
		case 1:
			tr.TestActionOutput = append(tr.TestActionOutput, decodeFile(s.bytes()))
		case 3:
			tr.TestAttemptDurationMillis = s.int64()
		case 4:
			tr.CachedLocally = s.bool()
		case 5:
			tr.Status = s.int32()
		case 6:
			tr.TestAttemptStartMillisEpoch = s.int64()
		case 8:
			tr.ExecutionInfo = decodeExecutionInfo(s.bytes())
		case 9:
			tr.StatusDetails = s.string()
		default:
			s.skip()
		}
	}
	return tr
}

func decodeBuildMetrics(b []byte) *BuildMetrics {
	s := &wireScanner{buf: b}
	bm := &BuildMetrics{}
	for s.next() {
		switch s.num {
		case 1: // action summary
			inner := &wireScanner{buf: s.bytes()}
			for inner.next() {
				switch inner.num {
				case 1:
					bm.ActionsCreated = inner.int64()
				case 2:
					bm.ActionsExecuted = inner.int64()
				default:
					inner.skip()
				}
			}
		case 4: // package metrics
			inner := &wireScanner{buf: s.bytes()}
			for inner.next() {
				if inner.num == 1 {
					bm.PackagesLoaded = inner.int64()
				} else {
					inner.skip()
				}
			}
		default:
			s.skip()
		}
	}
	return bm
}

func decodeBuildMetadata(b []byte) *BuildMetadata {
	s := &wireScanner{buf: b}
	bm := &BuildMetadata{Metadata: map[string]string{}}
	for s.next() {
		if s.num == 1 {
			k, v := decodeMapEntry(s.bytes())
			bm.Metadata[k] = v
		} else {
			s.skip()
		}
	}
	return bm
}

func decodeCommandLine(b []byte) *CommandLine {
	s := &wireScanner{buf: b}
	cl := &CommandLine{}
	for s.next() {
		switch s.num {
		case 1:
			cl.Label = s.string()
		case 2:
			cl.Sections = append(cl.Sections, decodeCommandLineSection(s.bytes()))
		default:
			s.skip()
		}
	}
	return cl
}

func decodeCommandLineSection(b []byte) CommandLineSection {
	s := &wireScanner{buf: b}
	var sec CommandLineSection
	for s.next() {
		switch s.num {
		case 1:
			sec.Label = s.string()
		case 2: // chunk list
			inner := &wireScanner{buf: s.bytes()}
			for inner.next() {
				if inner.num == 1 {
					sec.Chunks = append(sec.Chunks, inner.string())
				} else {
					inner.skip()
				}
			}
		case 3: // option list
			inner := &wireScanner{buf: s.bytes()}
			for inner.next() {
				if inner.num == 1 {
					sec.Options = append(sec.Options, decodeOption(inner.bytes()))
				} else {
					inner.skip()
				}
			}
		default:
			s.skip()
		}
	}
	return sec
}

func decodeOption(b []byte) Option {
	s := &wireScanner{buf: b}
	var opt Option
	for s.next() {
		switch s.num {
		case 1:
			opt.CombinedForm = s.string()
		case 2:
			opt.Name = s.string()
		case 3:
			opt.Value = s.string()
		default:
			s.skip()
		}
	}
	return opt
}
