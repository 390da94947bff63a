package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := store.Put(ctx, "raw/abc", strings.NewReader("otters hold hands"))
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)

	b, err := store.Get(ctx, "raw/abc")
	require.NoError(t, err)
	assert.Equal(t, "otters hold hands", string(b))

	require.NoError(t, store.Delete(ctx, "raw/abc"))
	require.NoError(t, store.Delete(ctx, "raw/abc"))

	_, err = store.Get(ctx, "raw/abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestLocalStore_CancelledPut(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, "raw/cancelled", strings.NewReader("data"))
	require.Error(t, err)
	_, err = store.Get(context.Background(), "raw/cancelled")
	assert.ErrorIs(t, err, ErrNotFound)
}
