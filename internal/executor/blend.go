package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/cube-builder/internal/raster"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// BlendInput 一個週期的 merge 結果
type BlendInput struct {
	Period    types.Period
	Composite *raster.Composite
}

// RunBlend 將 tile 所有成功的 merge 結果合成為整個日期範圍的單一資產。
// 用盡重試的週期不在 refs 中，以 Missing 記錄。
func (e *Executor) RunBlend(ctx context.Context, req types.BuildRequest, tile types.Tile, periods []types.Period, refs []types.AssetRef) (*types.AssetRef, error) {
	byKey := make(map[string]types.Period, len(periods))
	for _, p := range periods {
		byKey[p.Key()] = p
	}

	inputs := make([]BlendInput, 0, len(refs))
	for _, ref := range refs {
		period, ok := byKey[ref.Period]
		if !ok {
			return nil, fmt.Errorf("merge output %s is outside the build periods", ref.Key)
		}
		c, err := e.load(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
		if c.Width != tile.Width || c.Height != tile.Height {
			return nil, fmt.Errorf("%w: merge %s is %dx%d, tile is %dx%d",
				raster.ErrBandMismatch, ref.Key, c.Width, c.Height, tile.Width, tile.Height)
		}
		inputs = append(inputs, BlendInput{Period: period, Composite: c})
	}

	c, err := Blend(req, tile, periods, inputs, e.threshold(req))
	if err != nil {
		return nil, err
	}
	ref, err := e.write(ctx, assetKey(req, tile.ID, req.Range().Key(), types.StageBlend), c)
	if err != nil {
		return nil, err
	}

	log.Info("Blend completed",
		"tile", tile.ID, "function", req.Composite,
		"inputs", len(inputs), "periods", len(periods), "efficacy", c.Efficacy)
	return ref, nil
}

// Blend 純函式：依合成函式將多個週期合成
//
// 堆疊順序：Efficacy 由高到低，相同時依週期索引。
// 觀測（observed）是品質不為 NoObservation 的像素；晴空（clear）是雲機率不超過門檻的觀測。
//
// 合成函式：
//   - first-valid: 第一個晴空值，沒有晴空值時取第一個觀測值
//   - median-of-valid: 晴空值的中位數（偶數個取中間兩值平均，向零截斷），沒有晴空值時使用所有觀測值
//   - min-cloud-of-valid: 雲機率最低的觀測，相同時依堆疊順序
//
// 額外輸出 CLEAROB、TOTALOB、PROVENANCE（取得日的年內日序，無則 -1）以及指數波段。
func Blend(req types.BuildRequest, tile types.Tile, periods []types.Period, inputs []BlendInput, threshold uint8) (*raster.Composite, error) {
	stack := make([]BlendInput, len(inputs))
	copy(stack, inputs)
	sort.SliceStable(stack, func(i, j int) bool {
		a, b := stack[i].Composite, stack[j].Composite
		if a.Efficacy != b.Efficacy {
			return a.Efficacy > b.Efficacy
		}
		return stack[i].Period.Index < stack[j].Period.Index
	})

	nodata := req.NoData
	n := tile.Pixels()
	nb := len(req.Bands)

	planes := make([][][]int16, len(stack))
	for i, in := range stack {
		planes[i] = make([][]int16, nb)
		for b, name := range req.Bands {
			data, ok := in.Composite.Band(name)
			if !ok {
				return nil, fmt.Errorf("%w: merge %s has no band %s", raster.ErrBandMismatch, in.Period.Key(), name)
			}
			planes[i][b] = data
		}
	}

	bands := make([][]int16, nb)
	for b := range bands {
		bands[b] = make([]int16, n)
	}
	quality := make([]uint8, n)
	clearObs := make([]int16, n)
	totalObs := make([]int16, n)
	provenance := make([]int16, n)

	values := make([]int16, 0, len(stack))
	members := make([]int, 0, len(stack))

	for p := 0; p < n; p++ {
		first, firstClear, minCloud := -1, -1, -1
		members = members[:0]
		for i, in := range stack {
			q := in.Composite.Quality[p]
			if q == raster.NoObservation {
				continue
			}
			totalObs[p]++
			if first < 0 {
				first = i
			}
			if minCloud < 0 || q < stack[minCloud].Composite.Quality[p] {
				minCloud = i
			}
			if q <= threshold {
				clearObs[p]++
				if firstClear < 0 {
					firstClear = i
				}
			}
		}

		if first < 0 {
			for b := range bands {
				bands[b][p] = nodata
			}
			quality[p] = raster.NoObservation
			provenance[p] = -1
			continue
		}

		var chosen int
		switch req.Composite {
		case types.CompositeFirstValid:
			chosen = firstClear
			if chosen < 0 {
				chosen = first
			}
		case types.CompositeMinCloud:
			chosen = minCloud
		case types.CompositeMedianOfValid:
			// only clear observations; a pixel without any stays nodata
			if clearObs[p] == 0 {
				for b := range bands {
					bands[b][p] = nodata
				}
				quality[p] = raster.NoObservation
				provenance[p] = -1
				continue
			}
			for i, in := range stack {
				if q := in.Composite.Quality[p]; q <= threshold {
					members = append(members, i)
				}
			}
			for b := range bands {
				values = values[:0]
				for _, i := range members {
					values = append(values, planes[i][b][p])
				}
				bands[b][p] = median(values)
			}
			quality[p] = stack[members[0]].Composite.Quality[p]
			for _, i := range members[1:] {
				if q := stack[i].Composite.Quality[p]; q < quality[p] {
					quality[p] = q
				}
			}
			provenance[p] = -1
			continue
		default:
			return nil, fmt.Errorf("unknown composite function %q", req.Composite)
		}

		for b := range bands {
			bands[b][p] = planes[chosen][b][p]
		}
		quality[p] = stack[chosen].Composite.Quality[p]
		provenance[p] = dayOfYear(stack[chosen].Composite, p)
	}

	out := &raster.Composite{
		Tile:    tile.ID,
		Period:  req.Range().Key(),
		Stage:   types.StageBlend,
		Width:   tile.Width,
		Height:  tile.Height,
		NoData:  nodata,
		Quality: quality,
		Meta:    map[string]string{"composite": string(req.Composite)},
	}
	for b, name := range req.Bands {
		out.Bands = append(out.Bands, raster.Band{Name: name, Data: bands[b]})
	}
	for _, idx := range req.Indexes {
		a, _ := out.Band(idx.A)
		b, _ := out.Band(idx.B)
		if a == nil || b == nil {
			return nil, fmt.Errorf("%w: index %s needs bands %s and %s", raster.ErrBandMismatch, idx.Name, idx.A, idx.B)
		}
		out.Bands = append(out.Bands, raster.Band{Name: idx.Name, Data: normalizedDifference(a, b, nodata)})
	}
	out.Bands = append(out.Bands,
		raster.Band{Name: raster.BandClearObs, Data: clearObs},
		raster.Band{Name: raster.BandTotalObs, Data: totalObs},
		raster.Band{Name: raster.BandProvenance, Data: provenance},
	)

	present := make(map[string]*raster.Composite, len(inputs))
	for _, in := range inputs {
		present[in.Period.Key()] = in.Composite
	}
	for _, period := range periods {
		c, ok := present[period.Key()]
		out.Periods = append(out.Periods, raster.PeriodInfo{
			Key:     period.Key(),
			Empty:   ok && c.Empty,
			Missing: !ok,
		})
	}

	out.Efficacy, out.CloudRatio, out.Empty = qualityStats(quality, threshold)
	return out, nil
}

// median 中位數，偶數個取中間兩值平均（向零截斷）。會重新排列 values。
func median(values []int16) int16 {
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return int16((int32(values[mid-1]) + int32(values[mid])) / 2)
}

// dayOfYear 回傳像素來源影像的年內日序
func dayOfYear(c *raster.Composite, p int) int16 {
	if c.Provenance == nil {
		return -1
	}
	idx := c.Provenance[p]
	if idx < 0 || int(idx) >= len(c.Scenes) {
		return -1
	}
	return int16(time.Unix(c.Scenes[idx].Acquired, 0).UTC().YearDay())
}

// normalizedDifference (A-B)/(A+B) × 10000，向零截斷並限制在 ±10000
func normalizedDifference(a, b []int16, nodata int16) []int16 {
	out := make([]int16, len(a))
	for i := range a {
		if a[i] == nodata || b[i] == nodata {
			out[i] = nodata
			continue
		}
		sum := int64(a[i]) + int64(b[i])
		if sum == 0 {
			out[i] = nodata
			continue
		}
		v := (int64(a[i]) - int64(b[i])) * 10000 / sum
		out[i] = int16(min(max(v, -10000), 10000))
	}
	return out
}
