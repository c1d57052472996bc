package mem

import (
	"testing"

	"github.com/knadh/qrshare/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	storetest.Run(t, s)
}

func TestInMemory_CopiesData(t *testing.T) {
	s, _ := New(Config{})
	in := []byte("abc")
	require.NoError(t, s.Put("f", in))
	in[0] = 'x'

	out, err := s.Get("f")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))

	out[0] = 'y'
	again, _ := s.Get("f")
	assert.Equal(t, "abc", string(again))
}
