package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/widget-chat/internal/store"
)

func TestStore_ExpiresAtTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	now = now.Add(59 * time.Second)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrMiss)
}

func TestStore_SetNX(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get(ctx, "k")
	assert.Equal(t, "a", string(got))
}

func TestStore_SetOverwritesAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "k", []byte("b"), 0))
	got, _ := s.Get(ctx, "k")
	assert.Equal(t, "b", string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrMiss)
}
