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

package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hermod/internal/cache"
)

func TestCache(t *testing.T) {
	t.Run("stores and retrieves within TTL", func(t *testing.T) {
		c := cache.New(16)
		defer c.Close()

		c.SetTTL("k", []byte("v"), time.Minute)

		value, found := c.Get("k")
		assert.True(t, found)
		assert.Equal(t, []byte("v"), value)
	})

	t.Run("expired entries are invisible", func(t *testing.T) {
		c := cache.New(16)
		defer c.Close()

		c.SetTTL("k", []byte("v"), 10*time.Millisecond)
		time.Sleep(30 * time.Millisecond)

		_, found := c.Get("k")
		assert.False(t, found)
	})

	t.Run("entries carry independent TTLs", func(t *testing.T) {
		c := cache.New(16)
		defer c.Close()

		c.SetTTL("short", []byte("a"), 10*time.Millisecond)
		c.SetTTL("long", []byte("b"), time.Minute)
		time.Sleep(30 * time.Millisecond)

		_, found := c.Get("short")
		assert.False(t, found)
		_, found = c.Get("long")
		assert.True(t, found)
	})

	t.Run("overwrite refreshes value and TTL", func(t *testing.T) {
		c := cache.New(16)
		defer c.Close()

		c.SetTTL("k", []byte("old"), 10*time.Millisecond)
		c.SetTTL("k", []byte("new"), time.Minute)
		time.Sleep(30 * time.Millisecond)

		value, found := c.Get("k")
		assert.True(t, found)
		assert.Equal(t, []byte("new"), value)
	})

	t.Run("remove drops the entry", func(t *testing.T) {
		c := cache.New(16)
		defer c.Close()

		c.SetTTL("k", []byte("v"), time.Minute)
		c.Remove("k")

		_, found := c.Get("k")
		assert.False(t, found)
	})

	t.Run("capacity bound evicts oldest entries", func(t *testing.T) {
		c := cache.New(4)
		defer c.Close()

		for i := 0; i < 8; i++ {
			c.SetTTL(fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
		}

		assert.Equal(t, 4, c.Len())
		_, found := c.Get("k0")
		assert.False(t, found, "oldest entry evicted under pressure")
		_, found = c.Get("k7")
		assert.True(t, found)
	})

	t.Run("close is safe to call twice", func(t *testing.T) {
		c := cache.New(16)
		c.Close()
		c.Close()
	})
}
