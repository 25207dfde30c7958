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

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	crlf          = []byte("\r\n")
	connectPrefix = []byte("CONNECT ")

	// ErrMalformedConnect is returned for first lines that are not a
	// well-formed CONNECT op
	ErrMalformedConnect = errors.New("malformed CONNECT line")
)

// maxConnectLine bounds handshake buffering against hostile clients
const maxConnectLine = 16 * 1024

// credentialFields are the hub-supplied auth fields stripped during the
// CONNECT rewrite so they never reach the upstream broker
var credentialFields = []string{"user", "pass", "auth_token", "jwt", "nkey", "sig", "signature"}

// connectAuth is the hub identity presented in a CONNECT line
type connectAuth struct {
	User string
	Pass string
}

// splitConnectLine extracts the first CRLF-terminated line from the
// handshake buffer. complete is false while the terminator has not
// arrived yet.
func splitConnectLine(buf []byte) (line, rest []byte, complete bool) {
	idx := bytes.Index(buf, crlf)
	if idx < 0 {
		return nil, nil, false
	}
	return buf[:idx], buf[idx+len(crlf):], true
}

// parseConnect validates a CONNECT line and returns the presented
// credentials together with the full option set
func parseConnect(line []byte) (*connectAuth, map[string]interface{}, error) {
	if !bytes.HasPrefix(line, connectPrefix) {
		return nil, nil, ErrMalformedConnect
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(line[len(connectPrefix):]), &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedConnect, err)
	}

	auth := &connectAuth{}
	if user, ok := fields["user"].(string); ok {
		auth.User = user
	}
	if pass, ok := fields["pass"].(string); ok {
		auth.Pass = pass
	}

	return auth, fields, nil
}

// rewriteConnect strips the hub's credential fields from the CONNECT
// options and substitutes the relay's own upstream account credentials.
// The hub's token must never appear in the forwarded line.
func rewriteConnect(fields map[string]interface{}, upstreamUser, upstreamPass string) ([]byte, error) {
	rewritten := make(map[string]interface{}, len(fields)+2)
	for key, value := range fields {
		rewritten[key] = value
	}
	for _, field := range credentialFields {
		delete(rewritten, field)
	}
	rewritten["user"] = upstreamUser
	rewritten["pass"] = upstreamPass

	encoded, err := json.Marshal(rewritten)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rewritten CONNECT: %w", err)
	}

	line := make([]byte, 0, len(connectPrefix)+len(encoded)+len(crlf))
	line = append(line, connectPrefix...)
	line = append(line, encoded...)
	line = append(line, crlf...)
	return line, nil
}
