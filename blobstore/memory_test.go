package blobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Read(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, "/fake/path")
	require.NoError(t, err)
	assert.False(t, ok)

	data := []byte("my contents")
	require.NoError(t, s.Write(ctx, "/fake/path", data))

	// Mutating the caller's buffer must not affect the stored blob.
	data[0] = 'X'

	b, err := s.Read(ctx, "/fake/path")
	require.NoError(t, err)
	assert.Equal(t, KindBytes, b.Kind())
	assert.Equal(t, "my contents", string(b.Bytes()))

	ok, err = s.Exists(ctx, "/fake/path")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Write(ctx, "/fake/path", []byte("v2")))
	b, err = s.Read(ctx, "/fake/path")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b.Bytes()))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_EmptyBlob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Write(ctx, "/empty", nil))
	b, err := s.Read(ctx, "/empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Size())
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("/cas/%d", i)
			assert.NoError(t, s.Write(ctx, key, []byte(key)))
			b, err := s.Read(ctx, key)
			if assert.NoError(t, err) {
				assert.Equal(t, key, string(b.Bytes()))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, s.Len())
}
