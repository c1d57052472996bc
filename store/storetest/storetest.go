// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"testing"

	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. The store must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	t.Run("empty listing", func(t *testing.T) {
		names, err := s.List()
		require.NoError(t, err)
		assert.NotNil(t, names)
		assert.Empty(t, names)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, s.Put("a.txt", []byte("hi")))
		b, err := s.Get("a.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), b)
	})

	t.Run("binary and empty content", func(t *testing.T) {
		require.NoError(t, s.Put("bin", []byte{0x00, 0x01, 0xFF}))
		require.NoError(t, s.Put("empty", []byte{}))

		b, err := s.Get("bin")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x01, 0xFF}, b)

		b, err = s.Get("empty")
		require.NoError(t, err)
		assert.Len(t, b, 0)
	})

	t.Run("overwrite keeps last write", func(t *testing.T) {
		require.NoError(t, s.Put("a.txt", []byte("first")))
		require.NoError(t, s.Put("a.txt", []byte("second")))
		b, err := s.Get("a.txt")
		require.NoError(t, err)
		assert.Equal(t, "second", string(b))
	})

	t.Run("listing is sorted", func(t *testing.T) {
		require.NoError(t, s.Put("c.txt", []byte("c")))
		names, err := s.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "bin", "c.txt", "empty"}, names)
	})

	t.Run("missing blob", func(t *testing.T) {
		_, err := s.Get("nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("invalid names are rejected", func(t *testing.T) {
		for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
			err := s.Put(name, []byte("x"))
			assert.True(t, errors.Is(err, store.ErrInvalidName), "name %q", name)
		}
	})

	t.Run("delete reports existence", func(t *testing.T) {
		ok, err := s.Delete("c.txt")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete("c.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		names, err := s.List()
		require.NoError(t, err)
		assert.NotContains(t, names, "c.txt")
	})
}
