package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Create(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ttl  time.Duration
		want time.Duration
	}{
		{name: "explicit ttl", ttl: time.Minute, want: time.Minute},
		{name: "zero ttl uses default", ttl: 0, want: DefaultTTL},
		{name: "negative ttl uses default", ttl: -time.Second, want: DefaultTTL},
		{name: "configured default", cfg: Config{TTL: 3 * time.Minute}, want: 3 * time.Minute},
		{name: "capped by max ttl", cfg: Config{MaxTTL: time.Hour}, ttl: 5 * time.Hour, want: time.Hour},
		{name: "below max ttl", cfg: Config{MaxTTL: time.Hour}, ttl: 30 * time.Minute, want: 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, clk := newTestRegistry(tt.cfg)
			s := r.Create(tt.ttl)

			_, err := uuid.Parse(s.ID)
			assert.NoError(t, err)
			assert.Equal(t, clk.Now(), s.CreatedAt)
			assert.Equal(t, clk.Now().Add(tt.want), s.ExpiresAt)
			assert.NotNil(t, s.Files)
			assert.Empty(t, s.Files)
			assert.Equal(t, 1, r.Len())
		})
	}
}

func TestRegistry_CreateUniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := r.Create(0)
		assert.False(t, seen[s.ID])
		seen[s.ID] = true
	}
	assert.Equal(t, 100, r.Len())
}

func TestRegistry_Get(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := r.Create(time.Minute)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s, got)

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := r.Create(time.Minute)
	require.NoError(t, r.RecordFile(s.ID, "a.txt"))

	got, _ := r.Get(s.ID)
	got.Files[0] = "changed"

	again, _ := r.Get(s.ID)
	assert.Equal(t, []string{"a.txt"}, again.Files)
}

func TestRegistry_RecordFile(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := r.Create(time.Minute)

	require.NoError(t, r.RecordFile(s.ID, "b.txt"))
	require.NoError(t, r.RecordFile(s.ID, "a.txt"))
	require.NoError(t, r.RecordFile(s.ID, "b.txt"))

	got, _ := r.Get(s.ID)
	assert.Equal(t, []string{"b.txt", "a.txt"}, got.Files, "insertion order, no duplicates")

	err := r.RecordFile("unknown", "a.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistry_Delete(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s := r.Create(time.Minute)
	require.NoError(t, r.RecordFile(s.ID, "a.txt"))

	files, ok := r.Delete(s.ID)
	assert.True(t, ok)
	assert.Equal(t, []string{"a.txt"}, files)
	assert.Equal(t, 0, r.Len())

	files, ok = r.Delete(s.ID)
	assert.False(t, ok, "second delete is a no-op")
	assert.NotNil(t, files)
	assert.Empty(t, files)
}

func TestRegistry_AliveAndExpired(t *testing.T) {
	r, clk := newTestRegistry(Config{})
	short := r.Create(time.Minute)
	long := r.Create(time.Hour)

	assert.True(t, r.Alive(short.ID))
	assert.Empty(t, r.Expired(clk.Now()))

	// Exactly at the deadline the session is still joinable but sweepable.
	clk.Advance(time.Minute)
	assert.True(t, r.Alive(short.ID))
	assert.Equal(t, []string{short.ID}, r.Expired(clk.Now()))

	clk.Advance(time.Millisecond)
	assert.False(t, r.Alive(short.ID))
	assert.True(t, r.Alive(long.ID))
	assert.False(t, r.Alive("unknown"))
}

func TestRegistry_Concurrent(t *testing.T) {
	r, clk := newTestRegistry(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.Create(time.Minute)
			r.RecordFile(s.ID, "x")
			r.Get(s.ID)
			r.Expired(clk.Now())
			r.Delete(s.ID)
			r.Delete(s.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
