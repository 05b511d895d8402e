package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cube-builder/internal/retry"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// flakyCatalog fails the first n registrations.
type flakyCatalog struct {
	*Memory
	failures int
	calls    int
}

func (f *flakyCatalog) RegisterAsset(ctx context.Context, cube string, tile types.TileID, md Metadata) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("catalog unavailable")
	}
	return f.Memory.RegisterAsset(ctx, cube, tile, md)
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	_, err := c.Lookup(ctx, "S2", "000001")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.RegisterAsset(ctx, "S2", "000002", Metadata{Cube: "S2", Tile: "000002"}))
	require.NoError(t, c.RegisterAsset(ctx, "S2", "000001", Metadata{Cube: "S2", Tile: "000001", ValidPercent: 10}))
	require.NoError(t, c.RegisterAsset(ctx, "S2", "000001", Metadata{Cube: "S2", Tile: "000001", ValidPercent: 90}))

	md, err := c.Lookup(ctx, "S2", "000001")
	require.NoError(t, err)
	assert.Equal(t, 90.0, md.ValidPercent)
	assert.Equal(t, []types.TileID{"000001", "000002"}, c.Tiles("S2"))

	assert.ErrorIs(t, c.RegisterAsset(ctx, "", "000001", Metadata{}), ErrInvalid)
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	flaky := &flakyCatalog{Memory: NewMemory(), failures: 2}
	c := NewRetrying(flaky, fastPolicy)

	require.NoError(t, c.RegisterAsset(context.Background(), "S2", "000001", Metadata{Cube: "S2", Tile: "000001"}))
	assert.Equal(t, 3, flaky.calls)

	_, err := c.Lookup(context.Background(), "S2", "000001")
	assert.NoError(t, err)
}

func TestRetryingGivesUp(t *testing.T) {
	flaky := &flakyCatalog{Memory: NewMemory(), failures: 10}
	c := NewRetrying(flaky, fastPolicy)

	err := c.RegisterAsset(context.Background(), "S2", "000001", Metadata{})
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingDoesNotRetryInvalid(t *testing.T) {
	c := NewRetrying(NewMemory(), fastPolicy)
	err := c.RegisterAsset(context.Background(), "", "000001", Metadata{})
	assert.ErrorIs(t, err, ErrInvalid)
}
