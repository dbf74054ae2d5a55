package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = d.Seen(ctx, "tx-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryDeduper_WindowExpiry(t *testing.T) {
	d := NewMemoryDeduper(20 * time.Millisecond)
	ctx := context.Background()

	_, err := d.Seen(ctx, "tx-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	seen, err := d.Seen(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, seen, "key should be forgotten after the window")
}

func TestMemoryDeduper_Forget(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	ctx := context.Background()

	_, err := d.Seen(ctx, "tx-1")
	require.NoError(t, err)
	require.NoError(t, d.Forget(ctx, "tx-1"))

	// A released id can be claimed again.
	seen, err := d.Seen(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryDeduper_DefaultWindow(t *testing.T) {
	d := NewMemoryDeduper(0)
	assert.Equal(t, DefaultDedupWindow, d.window)
}
