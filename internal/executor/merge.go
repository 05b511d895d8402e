package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/cube-builder/internal/raster"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// RunMerge 讀取工作單元的所有影像，逐像素選出最佳觀測並寫入 merge 資產。
// 沒有影像或沒有有效像素的單元產生 Empty 資產，仍視為成功。
func (e *Executor) RunMerge(ctx context.Context, req types.BuildRequest, unit types.WorkUnit) (*types.AssetRef, error) {
	rasters := make([]*raster.SceneRaster, len(unit.Scenes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SceneConcurrency)
	for i, scene := range unit.Scenes {
		i, scene := i, scene
		g.Go(func() error {
			r, err := e.reader.Read(gctx, scene, unit.Tile, req.Bands)
			if err != nil {
				return fmt.Errorf("failed to read scene %s: %w", scene.ID, err)
			}
			if r.Width != unit.Tile.Width || r.Height != unit.Tile.Height {
				return fmt.Errorf("%w: scene %s is %dx%d, tile is %dx%d",
					raster.ErrBandMismatch, scene.ID, r.Width, r.Height, unit.Tile.Width, unit.Tile.Height)
			}
			if err := r.Validate(req.Bands); err != nil {
				return err
			}
			rasters[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c := Merge(unit, rasters, req.Bands, req.NoData, e.threshold(req))
	ref, err := e.write(ctx, assetKey(req, unit.Tile.ID, unit.Period.Key(), types.StageMerge), c)
	if err != nil {
		return nil, err
	}

	log.Info("Merge completed",
		"tile", unit.Tile.ID, "period", unit.Period.Key(),
		"scenes", len(unit.Scenes), "empty", c.Empty, "efficacy", c.Efficacy)
	return ref, nil
}

// Merge 純函式：依排序規則逐像素選擇觀測
//
// 排序規則（每個像素獨立）：
//  1. 該像素雲機率最低
//  2. 取得時間最新
//  3. 影像 ID 字典序最小
//
// 像素有效的條件：有觀測（雲機率不是 NoObservation）且所有波段都不是 nodata。
// rasters 與 unit.Scenes 一一對應，選擇結果與影像順序無關；Provenance 為 unit.Scenes 的索引。
func Merge(unit types.WorkUnit, rasters []*raster.SceneRaster, bands []string, nodata int16, threshold uint8) *raster.Composite {
	n := unit.Tile.Pixels()

	// 預先取出波段，避免在像素迴圈中查表
	planes := make([][][]int16, len(rasters))
	for i, r := range rasters {
		planes[i] = make([][]int16, len(bands))
		for b, name := range bands {
			planes[i][b], _ = r.Band(name)
		}
	}

	out := &raster.Composite{
		Tile:       unit.Tile.ID,
		Period:     unit.Period.Key(),
		Stage:      types.StageMerge,
		Width:      unit.Tile.Width,
		Height:     unit.Tile.Height,
		NoData:     nodata,
		Bands:      make([]raster.Band, len(bands)),
		Quality:    make([]uint8, n),
		Provenance: make([]int16, n),
		Scenes:     make([]raster.SceneInfo, len(unit.Scenes)),
	}
	for b, name := range bands {
		out.Bands[b] = raster.Band{Name: name, Data: make([]int16, n)}
	}
	for i, s := range unit.Scenes {
		out.Scenes[i] = raster.SceneInfo{ID: s.ID, Acquired: s.Acquired.Unix()}
	}

	for p := 0; p < n; p++ {
		best := -1
		for i, r := range rasters {
			if !validPixel(r.Cloud[p], planes[i], p, nodata) {
				continue
			}
			if best < 0 || better(unit.Scenes[i], r.Cloud[p], unit.Scenes[best], rasters[best].Cloud[p]) {
				best = i
			}
		}

		if best < 0 {
			for b := range bands {
				out.Bands[b].Data[p] = nodata
			}
			out.Quality[p] = raster.NoObservation
			out.Provenance[p] = -1
			continue
		}
		for b := range bands {
			out.Bands[b].Data[p] = planes[best][b][p]
		}
		out.Quality[p] = rasters[best].Cloud[p]
		out.Provenance[p] = int16(best)
	}

	out.Efficacy, out.CloudRatio, out.Empty = qualityStats(out.Quality, threshold)
	return out
}

func validPixel(cloud uint8, bands [][]int16, p int, nodata int16) bool {
	if cloud == raster.NoObservation {
		return false
	}
	for _, data := range bands {
		if data[p] == nodata {
			return false
		}
	}
	return true
}

// better 回傳 a 在此像素是否優於 b
func better(a types.Scene, aCloud uint8, b types.Scene, bCloud uint8) bool {
	if aCloud != bCloud {
		return aCloud < bCloud
	}
	if !a.Acquired.Equal(b.Acquired) {
		return a.Acquired.After(b.Acquired)
	}
	return a.ID < b.ID
}
