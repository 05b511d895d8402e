package raster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// ErrSceneNotFound the reader has no data for the scene.
var ErrSceneNotFound = errors.New("scene not found")

// SceneReader loads a scene resampled onto a tile grid.
type SceneReader interface {
	Read(ctx context.Context, scene types.Scene, tile types.Tile, bands []string) (*SceneRaster, error)
}

// ============================================================================
// MemoryReader
// ============================================================================

// MemoryReader serves rasters registered with Put, keyed by scene id.
type MemoryReader struct {
	mu      sync.RWMutex
	rasters map[string]*SceneRaster
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{rasters: make(map[string]*SceneRaster)}
}

// Put registers the raster returned for r.Scene.ID.
func (m *MemoryReader) Put(r *SceneRaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rasters[r.Scene.ID] = r
}

func (m *MemoryReader) Read(ctx context.Context, scene types.Scene, tile types.Tile, bands []string) (*SceneRaster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	r, ok := m.rasters[scene.ID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, scene.ID)
	}
	if r.Width != tile.Width || r.Height != tile.Height {
		return nil, fmt.Errorf("%w: scene %s is %dx%d, tile %s is %dx%d",
			ErrBandMismatch, scene.ID, r.Width, r.Height, tile.ID, tile.Width, tile.Height)
	}
	if err := r.Validate(bands); err != nil {
		return nil, err
	}
	return r, nil
}

// ============================================================================
// Synthetic
// ============================================================================

// Synthetic generates deterministic rasters from scene metadata. Pixels
// outside the scene footprint are unobserved, cloud probability scatters
// around the scene's cloud cover, and band values depend only on
// (scene, band, pixel).
type Synthetic struct {
	NoData int16
}

func (s Synthetic) Read(ctx context.Context, scene types.Scene, tile types.Tile, bands []string) (*SceneRaster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := tile.Pixels()
	pxW := (tile.BBox.MaxX - tile.BBox.MinX) / float64(tile.Width)
	pxH := (tile.BBox.MaxY - tile.BBox.MinY) / float64(tile.Height)

	cloudSeed := xxhash.Sum64String(scene.ID + "/cloud")
	cloud := make([]uint8, n)
	for i := range cloud {
		row, col := i/tile.Width, i%tile.Width
		x := tile.BBox.MinX + (float64(col)+0.5)*pxW
		y := tile.BBox.MaxY - (float64(row)+0.5)*pxH
		if x < scene.Footprint.MinX || x >= scene.Footprint.MaxX || y < scene.Footprint.MinY || y >= scene.Footprint.MaxY {
			cloud[i] = NoObservation
			continue
		}
		p := int(scene.CloudCover) + int(mix(cloudSeed+uint64(i))%41) - 20
		cloud[i] = uint8(min(max(p, 0), 100))
	}

	out := &SceneRaster{Scene: scene, Width: tile.Width, Height: tile.Height, Cloud: cloud}
	for _, name := range bands {
		seed := xxhash.Sum64String(scene.ID + "/" + name)
		data := make([]int16, n)
		for i := range data {
			if cloud[i] == NoObservation {
				data[i] = s.NoData
				continue
			}
			data[i] = int16(mix(seed+uint64(i)) % 10000)
		}
		out.Bands = append(out.Bands, Band{Name: name, Data: data})
	}
	return out, nil
}

// mix is the splitmix64 finalizer.
func mix(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
