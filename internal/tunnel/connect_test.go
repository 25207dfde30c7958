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
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitConnectLine(t *testing.T) {
	t.Run("incomplete without terminator", func(t *testing.T) {
		_, _, complete := splitConnectLine([]byte(`CONNECT {"user":"hub_a"`))
		assert.False(t, complete)
	})

	t.Run("splits line from trailing bytes", func(t *testing.T) {
		line, rest, complete := splitConnectLine([]byte("CONNECT {}\r\nPING\r\n"))
		require.True(t, complete)
		assert.Equal(t, "CONNECT {}", string(line))
		assert.Equal(t, "PING\r\n", string(rest))
	})

	t.Run("empty rest when line is everything", func(t *testing.T) {
		line, rest, complete := splitConnectLine([]byte("CONNECT {}\r\n"))
		require.True(t, complete)
		assert.Equal(t, "CONNECT {}", string(line))
		assert.Empty(t, rest)
	})
}

func TestParseConnect(t *testing.T) {
	t.Run("extracts presented credentials", func(t *testing.T) {
		auth, fields, err := parseConnect([]byte(`CONNECT {"user":"hub_kitchen","pass":"ht_secret","verbose":false}`))
		require.NoError(t, err)
		assert.Equal(t, "hub_kitchen", auth.User)
		assert.Equal(t, "ht_secret", auth.Pass)
		assert.Equal(t, false, fields["verbose"])
	})

	t.Run("rejects non-CONNECT first line", func(t *testing.T) {
		_, _, err := parseConnect([]byte("SUB foo 1"))
		assert.ErrorIs(t, err, ErrMalformedConnect)
	})

	t.Run("rejects invalid JSON options", func(t *testing.T) {
		_, _, err := parseConnect([]byte("CONNECT not-json"))
		assert.ErrorIs(t, err, ErrMalformedConnect)
	})

	t.Run("tolerates missing credential fields", func(t *testing.T) {
		auth, _, err := parseConnect([]byte(`CONNECT {"verbose":true}`))
		require.NoError(t, err)
		assert.Empty(t, auth.User)
		assert.Empty(t, auth.Pass)
	})
}

func TestRewriteConnect(t *testing.T) {
	parse := func(t *testing.T, line []byte) map[string]interface{} {
		t.Helper()
		require.True(t, strings.HasPrefix(string(line), "CONNECT "))
		require.True(t, strings.HasSuffix(string(line), "\r\n"))
		var fields map[string]interface{}
		body := strings.TrimSuffix(strings.TrimPrefix(string(line), "CONNECT "), "\r\n")
		require.NoError(t, json.Unmarshal([]byte(body), &fields))
		return fields
	}

	t.Run("substitutes upstream credentials", func(t *testing.T) {
		_, fields, err := parseConnect([]byte(`CONNECT {"user":"hub_a","pass":"ht_token","verbose":false,"protocol":1}`))
		require.NoError(t, err)

		line, err := rewriteConnect(fields, "bridge", "bridgepass")
		require.NoError(t, err)

		got := parse(t, line)
		assert.Equal(t, "bridge", got["user"])
		assert.Equal(t, "bridgepass", got["pass"])
		assert.Equal(t, false, got["verbose"])
		assert.Equal(t, float64(1), got["protocol"])
	})

	t.Run("hub token never reaches the rewritten line", func(t *testing.T) {
		_, fields, err := parseConnect([]byte(`CONNECT {"user":"hub_a","pass":"ht_token","auth_token":"x","jwt":"j","nkey":"n","sig":"s","signature":"s2"}`))
		require.NoError(t, err)

		line, err := rewriteConnect(fields, "bridge", "bridgepass")
		require.NoError(t, err)

		assert.NotContains(t, string(line), "ht_token")
		got := parse(t, line)
		for _, field := range []string{"auth_token", "jwt", "nkey", "sig", "signature"} {
			assert.NotContains(t, got, field)
		}
	})
}
