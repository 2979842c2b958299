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

package invocation

// FilesForSet resolves the output files reachable from the given file-set
// id, including every transitively referenced set. Unknown ids resolve to
// nothing; a visited set guards against reference cycles.
func (inv *Invocation) FilesForSet(id string) []OutputFile {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var files []OutputFile
	visited := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		node, ok := inv.ref.FileSets[id]
		if !ok {
			return
		}
		files = append(files, node.Files...)
		for _, ref := range node.Refs {
			walk(ref)
		}
	}
	walk(id)
	return files
}

// FilesForTarget resolves every output file of a target across all of its
// output groups.
func (inv *Invocation) FilesForTarget(label string) []OutputFile {
	inv.mu.RLock()
	outputs := FileSet{}
	if target, ok := inv.ref.Targets[label]; ok {
		outputs = target.Outputs.clone()
	}
	inv.mu.RUnlock()

	var files []OutputFile
	for _, group := range outputs {
		for _, ref := range group.Refs {
			files = append(files, inv.FilesForSet(ref)...)
		}
	}
	return files
}
