// Copyright 2026 ManaSmart
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

package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestCachePinAndGet(t *testing.T) {
	cache := newTestCache(t)
	data := []byte("archive bytes")
	require.NoError(t, cache.Pin("k1", data))

	got, err := cache.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	has, err := cache.Has("k1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCacheMiss(t *testing.T) {
	cache := newTestCache(t)
	_, err := cache.Get("missing")
	require.ErrorIs(t, err, ErrNotCached)

	has, err := cache.Has("missing")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCachePinFileAndWriteTo(t *testing.T) {
	cache := newTestCache(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "backup.zip")
	data := []byte("file archive bytes")
	require.NoError(t, os.WriteFile(src, data, 0o640))
	require.NoError(t, cache.PinFile("k2", src))

	out := filepath.Join(dir, "restored", "backup.zip")
	require.NoError(t, cache.WriteTo("k2", out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCacheUnpin(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Pin("k3", []byte("x")))
	require.NoError(t, cache.Unpin("k3"))
	// Unpinning an absent key is fine
	require.NoError(t, cache.Unpin("k3"))

	_, err := cache.Get("k3")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestCacheKeys(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Pin("a", []byte("1")))
	require.NoError(t, cache.Pin("b", []byte("2")))

	keys, err := cache.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestCacheRejectsEmptyKey(t *testing.T) {
	cache := newTestCache(t)
	require.Error(t, cache.Pin("", []byte("x")))
}
