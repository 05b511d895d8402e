// Package catalog registers published tiles with the asset catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/cube-builder/internal/retry"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

var (
	ErrNotFound = errors.New("catalog entry not found")
	// ErrInvalid marks metadata the catalog will never accept; it is not retried.
	ErrInvalid = errors.New("invalid catalog metadata")
)

// BandStats summary statistics of one band over its valid pixels.
type BandStats struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Valid  int     `json:"valid"`
}

// Metadata describes one published tile.
type Metadata struct {
	Cube             string         `json:"cube"`
	Version          int            `json:"version"`
	Tile             types.TileID   `json:"tile"`
	Period           string         `json:"period"`
	Asset            types.AssetKey `json:"asset"`
	ValidPercent     float64        `json:"valid_percent"`
	CloudCover       float64        `json:"cloud_cover"`
	TemporalCoverage float64        `json:"temporal_coverage"`
	Overviews        int            `json:"overviews"`
	Bands            []BandStats    `json:"bands"`
	PublishedAt      int64          `json:"published_at"` // Unix 毫秒
}

// Catalog is the external registry of published assets.
type Catalog interface {
	RegisterAsset(ctx context.Context, cube string, tile types.TileID, md Metadata) error
	Lookup(ctx context.Context, cube string, tile types.TileID) (Metadata, error)
}

// ============================================================================
// Memory
// ============================================================================

// Memory is an in-process catalog. Registering twice replaces the entry.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Metadata)}
}

func entryKey(cube string, tile types.TileID) string {
	return cube + "/" + string(tile)
}

func (m *Memory) RegisterAsset(ctx context.Context, cube string, tile types.TileID, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cube == "" || tile == "" {
		return fmt.Errorf("%w: cube and tile are required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey(cube, tile)] = md
	return nil
}

func (m *Memory) Lookup(ctx context.Context, cube string, tile types.TileID) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.entries[entryKey(cube, tile)]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, entryKey(cube, tile))
	}
	return md, nil
}

// Tiles lists registered tiles of a cube, sorted.
func (m *Memory) Tiles(cube string) []types.TileID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tiles []types.TileID
	for _, md := range m.entries {
		if md.Cube == cube {
			tiles = append(tiles, md.Tile)
		}
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i] < tiles[j] })
	return tiles
}

// ============================================================================
// Retrying
// ============================================================================

// Retrying retries RegisterAsset with its own policy, independent of the
// pipeline retry of the Publish job.
type Retrying struct {
	Catalog
	Policy retry.Policy
}

func NewRetrying(c Catalog, p retry.Policy) *Retrying {
	return &Retrying{Catalog: c, Policy: p.WithDefaults()}
}

func (r *Retrying) RegisterAsset(ctx context.Context, cube string, tile types.TileID, md Metadata) error {
	attempt := 0
	err := retry.Do(ctx, r.Policy, retryable, func(ctx context.Context) error {
		attempt++
		err := r.Catalog.RegisterAsset(ctx, cube, tile, md)
		if err != nil {
			log.Warn("Catalog registration failed", "cube", cube, "tile", tile, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to register %s/%s: %w", cube, tile, err)
	}
	return nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrInvalid) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
