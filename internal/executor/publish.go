package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/ChuLiYu/cube-builder/internal/catalog"
	"github.com/ChuLiYu/cube-builder/internal/raster"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// RunPublish 為 blend 結果建立金字塔、計算摘要統計、寫入發佈資產並登錄到目錄。
// 目錄失敗由 catalog.Retrying 自行重試，仍失敗時本次 publish 嘗試失敗。
func (e *Executor) RunPublish(ctx context.Context, req types.BuildRequest, tile types.Tile, refs []types.AssetRef) (*types.AssetRef, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: tile %s", ErrNoBlend, tile.ID)
	}
	blend, err := e.load(ctx, refs[0].Key)
	if err != nil {
		return nil, err
	}

	published := *blend
	published.Stage = types.StagePublish
	published.Overviews = raster.BuildOverviews(blend, e.cfg.OverviewLevels)

	stats, err := bandStats(ctx, blend)
	if err != nil {
		return nil, err
	}

	key := assetKey(req, tile.ID, req.Range().Key(), types.StagePublish)
	ref, err := e.write(ctx, key, &published)
	if err != nil {
		return nil, err
	}

	md := catalog.Metadata{
		Cube:             req.Cube,
		Version:          req.Version,
		Tile:             tile.ID,
		Period:           req.Range().Key(),
		Asset:            key,
		ValidPercent:     validPercent(blend.Quality),
		CloudCover:       blend.CloudRatio,
		TemporalCoverage: temporalCoverage(blend.Periods),
		Overviews:        len(published.Overviews),
		Bands:            stats,
		PublishedAt:      e.cfg.Now().UnixMilli(),
	}
	if err := e.catalog.RegisterAsset(ctx, req.Cube, tile.ID, md); err != nil {
		return nil, err
	}

	log.Info("Tile published",
		"tile", tile.ID, "valid_percent", md.ValidPercent,
		"temporal_coverage", md.TemporalCoverage, "overviews", md.Overviews)
	return ref, nil
}

// bandStats 平行計算每個波段的平均值與標準差（只計入非 nodata 像素）
func bandStats(ctx context.Context, c *raster.Composite) ([]catalog.BandStats, error) {
	stats := make([]catalog.BandStats, len(c.Bands))

	g, gctx := errgroup.WithContext(ctx)
	for i, band := range c.Bands {
		i, band := i, band
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			values := make([]float64, 0, len(band.Data))
			for _, v := range band.Data {
				if v != c.NoData {
					values = append(values, float64(v))
				}
			}
			s := catalog.BandStats{Name: band.Name, Valid: len(values)}
			switch len(values) {
			case 0:
			case 1:
				s.Mean = values[0]
			default:
				s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
			}
			stats[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func validPercent(quality []uint8) float64 {
	if len(quality) == 0 {
		return 0
	}
	var valid int
	for _, q := range quality {
		if q != raster.NoObservation {
			valid++
		}
	}
	return 100 * float64(valid) / float64(len(quality))
}

// temporalCoverage 有資料的週期比例
func temporalCoverage(periods []raster.PeriodInfo) float64 {
	if len(periods) == 0 {
		return 0
	}
	var covered int
	for _, p := range periods {
		if !p.Empty && !p.Missing {
			covered++
		}
	}
	return float64(covered) / float64(len(periods))
}
