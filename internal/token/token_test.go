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

package token_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermod/internal/store"
	"hermod/internal/token"
)

func newTokenStore(t *testing.T) *token.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return token.NewStore(db)
}

func TestTokenStore(t *testing.T) {
	t.Run("issue is idempotent", func(t *testing.T) {
		tokens := newTokenStore(t)

		first, err := tokens.Issue("kitchen")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(first, "ht_"))

		again, err := tokens.Issue("kitchen")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	})

	t.Run("rotate invalidates the previous token", func(t *testing.T) {
		tokens := newTokenStore(t)

		old, err := tokens.Issue("kitchen")
		require.NoError(t, err)

		fresh, err := tokens.Rotate("kitchen")
		require.NoError(t, err)
		require.NotEqual(t, old, fresh)

		ok, err := tokens.Verify("kitchen", old)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tokens.Verify("kitchen", fresh)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("verify rejects unknown hubs and empty tokens", func(t *testing.T) {
		tokens := newTokenStore(t)

		ok, err := tokens.Verify("ghost", "ht_whatever")
		require.NoError(t, err)
		assert.False(t, ok)

		value, err := tokens.Issue("kitchen")
		require.NoError(t, err)
		_ = value

		ok, err = tokens.Verify("kitchen", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestParseHubUser(t *testing.T) {
	cases := []struct {
		user  string
		hubID string
		ok    bool
	}{
		{"hub_kitchen", "kitchen", true},
		{"hub-attic", "attic", true},
		{"hub_", "", false},
		{"kitchen", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		hubID, err := token.ParseHubUser(tc.user)
		if tc.ok {
			require.NoError(t, err, "user %q", tc.user)
			assert.Equal(t, tc.hubID, hubID)
		} else {
			assert.ErrorIs(t, err, token.ErrInvalidHubUser, "user %q", tc.user)
		}
	}
}

func TestIssuer(t *testing.T) {
	accountKP, err := nkeys.CreateAccount()
	require.NoError(t, err)
	seed, err := accountKP.Seed()
	require.NoError(t, err)

	scope := token.SubjectScope{InputRoot: "hub.in", OutputRoot: "hub.out"}

	t.Run("rejects missing or malformed seeds", func(t *testing.T) {
		_, err := token.NewIssuer("", scope, time.Hour)
		assert.Error(t, err)

		_, err = token.NewIssuer("not-a-seed", scope, time.Hour)
		assert.Error(t, err)

		userKP, err := nkeys.CreateUser()
		require.NoError(t, err)
		userSeed, err := userKP.Seed()
		require.NoError(t, err)
		_, err = token.NewIssuer(string(userSeed), scope, time.Hour)
		assert.Error(t, err, "user seed is not an account seed")
	})

	t.Run("mints credentials scoped to one hub", func(t *testing.T) {
		issuer, err := token.NewIssuer(string(seed), scope, time.Hour)
		require.NoError(t, err)

		cred, err := issuer.Mint("kitchen")
		require.NoError(t, err)
		require.NotEmpty(t, cred.JWT)
		require.NotEmpty(t, cred.Seed)

		claims, err := jwt.DecodeUserClaims(cred.JWT)
		require.NoError(t, err)

		assert.Equal(t, "hub_kitchen", claims.Name)
		assert.Equal(t, issuer.AccountPublicKey(), claims.IssuerAccount)
		assert.Equal(t, cred.UserPublicKey, claims.Subject)
		assert.Greater(t, claims.Expires, time.Now().Unix())

		pubAllow := claims.Permissions.Pub.Allow
		assert.Contains(t, pubAllow, "hub.out.>")
		assert.Contains(t, pubAllow, "_INBOX.kitchen.>")

		subAllow := claims.Permissions.Sub.Allow
		assert.Contains(t, subAllow, "hub.in.kitchen")
		assert.Contains(t, subAllow, "_INBOX.kitchen.>")
		assert.NotContains(t, subAllow, "hub.in.>", "a hub must not read other hubs' input")

		// The minted seed reconstructs the key the JWT was issued to
		userKP, err := nkeys.FromSeed([]byte(cred.Seed))
		require.NoError(t, err)
		userPub, err := userKP.PublicKey()
		require.NoError(t, err)
		assert.Equal(t, claims.Subject, userPub)
	})

	t.Run("each mint produces a distinct identity", func(t *testing.T) {
		issuer, err := token.NewIssuer(string(seed), scope, time.Hour)
		require.NoError(t, err)

		a, err := issuer.Mint("kitchen")
		require.NoError(t, err)
		b, err := issuer.Mint("kitchen")
		require.NoError(t, err)

		assert.NotEqual(t, a.UserPublicKey, b.UserPublicKey)
	})
}
