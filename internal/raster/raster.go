// Package raster holds the in-memory tile rasters exchanged between the merge,
// blend and publish executors, and their on-disk encoding.
package raster

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// NoObservation is the cloud probability of a pixel that no scene observed.
const NoObservation uint8 = 255

// Internal band names written by blend.
const (
	BandClearObs   = "CLEAROB"
	BandTotalObs   = "TOTALOB"
	BandProvenance = "PROVENANCE"
)

var (
	ErrCorrupt      = errors.New("corrupt raster asset")
	ErrBandMismatch = errors.New("raster band mismatch")
)

// Band is one named plane of row-major pixel values.
type Band struct {
	Name string  `msgpack:"name"`
	Data []int16 `msgpack:"data"`
}

// SceneRaster is a scene resampled onto a tile grid.
type SceneRaster struct {
	Scene  types.Scene
	Width  int
	Height int
	Bands  []Band
	Cloud  []uint8 // per-pixel cloud probability 0-100, NoObservation outside the footprint
}

// Band returns the plane with the given name.
func (r *SceneRaster) Band(name string) ([]int16, bool) {
	return findBand(r.Bands, name)
}

// SceneInfo identifies a scene that contributed to a merge.
type SceneInfo struct {
	ID       string `msgpack:"id"`
	Acquired int64  `msgpack:"acquired"` // Unix seconds
}

// PeriodInfo records one blend input period.
type PeriodInfo struct {
	Key     string `msgpack:"key"`
	Empty   bool   `msgpack:"empty,omitempty"`
	Missing bool   `msgpack:"missing,omitempty"` // merge exhausted
}

// Overview is one level of a reduced-resolution pyramid.
type Overview struct {
	Level  int    `msgpack:"level"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Bands  []Band `msgpack:"bands"`
}

// Composite is the asset written by every stage.
//
// Merge fills Provenance with indexes into Scenes. Blend replaces it with the
// PROVENANCE band and lists its inputs in Periods. Publish adds Overviews.
type Composite struct {
	Tile       types.TileID      `msgpack:"tile"`
	Period     string            `msgpack:"period"`
	Stage      types.Stage       `msgpack:"stage"`
	Width      int               `msgpack:"width"`
	Height     int               `msgpack:"height"`
	NoData     int16             `msgpack:"nodata"`
	Bands      []Band            `msgpack:"bands"`
	Quality    []uint8           `msgpack:"quality"`
	Provenance []int16           `msgpack:"provenance,omitempty"`
	Scenes     []SceneInfo       `msgpack:"scenes,omitempty"`
	Periods    []PeriodInfo      `msgpack:"periods,omitempty"`
	Empty      bool              `msgpack:"empty"`
	Efficacy   float64           `msgpack:"efficacy"`
	CloudRatio float64           `msgpack:"cloud_ratio"`
	Overviews  []Overview        `msgpack:"overviews,omitempty"`
	Meta       map[string]string `msgpack:"meta,omitempty"`
}

// Pixels returns Width*Height.
func (c *Composite) Pixels() int {
	return c.Width * c.Height
}

// Band returns the plane with the given name.
func (c *Composite) Band(name string) ([]int16, bool) {
	return findBand(c.Bands, name)
}

// Validate checks that every plane matches the raster dimensions.
func (c *Composite) Validate() error {
	n := c.Pixels()
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrCorrupt, c.Width, c.Height)
	}
	for _, b := range c.Bands {
		if len(b.Data) != n {
			return fmt.Errorf("%w: band %s has %d pixels, want %d", ErrBandMismatch, b.Name, len(b.Data), n)
		}
	}
	if len(c.Quality) != n {
		return fmt.Errorf("%w: quality has %d pixels, want %d", ErrBandMismatch, len(c.Quality), n)
	}
	if c.Provenance != nil && len(c.Provenance) != n {
		return fmt.Errorf("%w: provenance has %d pixels, want %d", ErrBandMismatch, len(c.Provenance), n)
	}
	return nil
}

// Validate checks that every plane matches the raster dimensions.
func (r *SceneRaster) Validate(bands []string) error {
	n := r.Width * r.Height
	if len(r.Cloud) != n {
		return fmt.Errorf("%w: scene %s cloud plane has %d pixels, want %d", ErrBandMismatch, r.Scene.ID, len(r.Cloud), n)
	}
	for _, name := range bands {
		data, ok := r.Band(name)
		if !ok {
			return fmt.Errorf("%w: scene %s has no band %s", ErrBandMismatch, r.Scene.ID, name)
		}
		if len(data) != n {
			return fmt.Errorf("%w: scene %s band %s has %d pixels, want %d", ErrBandMismatch, r.Scene.ID, name, len(data), n)
		}
	}
	return nil
}

func findBand(bands []Band, name string) ([]int16, bool) {
	for _, b := range bands {
		if b.Name == name {
			return b.Data, true
		}
	}
	return nil, false
}
