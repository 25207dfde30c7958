// Copyright 2025 Arion Yau
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

package tunnel

import "bytes"

// Broker keepalive markers. Both are full protocol lines.
var (
	pingMarker = []byte("PING\r\n")
	pongMarker = []byte("PONG\r\n")
)

// markerScanner removes keepalive markers from a chunked byte stream and
// reports each one exactly once. A marker can straddle two delivered
// chunks, so the scanner retains the minimal unmatched tail (marker
// length - 1 bytes at most) and re-scans it with the next chunk.
type markerScanner struct {
	markers  [][]byte
	tail     []byte
	onMarker func(marker []byte)
}

// newMarkerScanner creates a scanner that strips the given markers and
// invokes onMarker for each occurrence
func newMarkerScanner(onMarker func(marker []byte), markers ...[]byte) *markerScanner {
	return &markerScanner{
		markers:  markers,
		onMarker: onMarker,
	}
}

// Scan consumes one delivered chunk and returns the bytes to forward,
// with all complete markers removed. Bytes held back as a potential
// marker prefix are emitted by a later call once disambiguated.
func (s *markerScanner) Scan(chunk []byte) []byte {
	data := chunk
	if len(s.tail) > 0 {
		data = make([]byte, 0, len(s.tail)+len(chunk))
		data = append(data, s.tail...)
		data = append(data, chunk...)
		s.tail = nil
	}

	var out []byte
	i := 0
	for i < len(data) {
		matched := false
		partial := false

		for _, marker := range s.markers {
			remaining := len(data) - i
			if remaining >= len(marker) {
				if bytes.Equal(data[i:i+len(marker)], marker) {
					s.onMarker(marker)
					i += len(marker)
					matched = true
					break
				}
			} else if bytes.Equal(data[i:], marker[:remaining]) {
				partial = true
			}
		}

		if matched {
			continue
		}
		if partial {
			// The rest of the buffer could be the start of a marker whose
			// remainder arrives in the next chunk
			s.tail = append(s.tail, data[i:]...)
			break
		}

		out = append(out, data[i])
		i++
	}

	return out
}

// Flush returns any held-back tail bytes and resets the scanner. Called
// when a direction's pump stops so held bytes are accounted for rather
// than silently dropped.
func (s *markerScanner) Flush() []byte {
	tail := s.tail
	s.tail = nil
	return tail
}
