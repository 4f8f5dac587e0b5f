// Copyright 2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package grpctap

import "sort"

// SinkProvider describes one candidate capture destination. Programs that
// link several possible destinations list them explicitly and pick one at
// startup with SelectSinkProvider; there is no process-global registry.
type SinkProvider interface {
	// Available reports whether the provider can operate in this process.
	Available() bool
	// Priority orders candidates; higher wins. The conventional range is
	// 0 through 10, with 5 for a general-purpose default.
	Priority() int
	// Open builds the sink. It is called once, on the selected provider
	// only.
	Open() (Sink, error)
}

// SelectSinkProvider returns the available candidate with the highest
// priority. Candidates with equal priority keep their relative order, so
// the earliest listed wins. The second result is false when no candidate
// is available, in which case capture should stay disabled.
func SelectSinkProvider(candidates []SinkProvider) (SinkProvider, bool) {
	avail := make([]SinkProvider, 0, len(candidates))
	for _, p := range candidates {
		if p != nil && p.Available() {
			avail = append(avail, p)
		}
	}
	if len(avail) == 0 {
		return nil, false
	}
	sort.SliceStable(avail, func(i, j int) bool {
		return avail[i].Priority() > avail[j].Priority()
	})
	return avail[0], true
}

// TempFileSinkProvider offers NewTempFileSink at the conventional default
// priority. It is always available, which makes it a reasonable last
// candidate in any provider list.
type TempFileSinkProvider struct{}

var _ SinkProvider = TempFileSinkProvider{}

// Available implements SinkProvider; a temp file can always be attempted.
func (TempFileSinkProvider) Available() bool { return true }

// Priority implements SinkProvider with the default rank of 5.
func (TempFileSinkProvider) Priority() int { return 5 }

// Open implements SinkProvider.
func (TempFileSinkProvider) Open() (Sink, error) { return NewTempFileSink() }
