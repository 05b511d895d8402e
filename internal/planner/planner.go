// ============================================================================
// cube-builder Grid/Period Planner
// ============================================================================
//
// Package: internal/planner
// 文件: planner.go
// 功能: 將建置請求分解為 (Tile, Period) 工作單元
//
// 設計理念:
//   Plan 是純函式：相同的請求與影像清單一定產生相同的分解結果，
//   部分失敗後重新規劃會得到相同的 WorkUnit 識別。
//
// 分解流程:
//   1. validate()    - 檢查網格、日期範圍、週期、合成函式
//   2. planTiles()   - 明確 tile 清單 / AOI 相交 / 整個網格
//   3. planPeriods() - 依 day / month 步長切出半開區間，只保留完整週期
//   4. assignScenes() - 每個 (tile, period) 分配相交的影像並依排序規則排列
//
// ============================================================================

package planner

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Decomposition 規劃結果
type Decomposition struct {
	Tiles   []types.Tile     `json:"tiles"`
	Periods []types.Period   `json:"periods"`
	Units   []types.WorkUnit `json:"units"` // 依 tile、period 順序排列
}

// UnitsFor 回傳某個 tile 的所有工作單元（依週期順序）
func (p *Decomposition) UnitsFor(tile types.TileID) []types.WorkUnit {
	var units []types.WorkUnit
	for _, u := range p.Units {
		if u.Tile.ID == tile {
			units = append(units, u)
		}
	}
	return units
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Plan 將建置請求分解為 tiles、periods 與工作單元
//
// 參數：
//   - req: 建置請求
//   - scenes: 候選影像（不屬於請求集合的影像會被忽略）
//
// 返回值：
//   - *Decomposition: 分解結果
//   - error: *ConfigurationError，當請求無效或分解結果為空
//
// 使用範例：
//
//	plan, err := planner.Plan(req, scenes)
//	var cfgErr *planner.ConfigurationError
//	if errors.As(err, &cfgErr) {
//	    // 整個建置在分派任何任務前失敗
//	}
func Plan(req types.BuildRequest, scenes []types.Scene) (*Decomposition, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	tiles, err := planTiles(req)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, configErr("tiles", "no tile of grid %q intersects the requested area", req.Grid.Name)
	}

	periods := planPeriods(req)
	if len(periods) == 0 {
		return nil, configErr("period", "date range %s..%s holds no whole %d-%s period",
			req.Start.Format("2006-01-02"), req.End.Format("2006-01-02"), req.Period.Step, req.Period.Unit)
	}

	candidates, err := normalizeScenes(req, scenes)
	if err != nil {
		return nil, err
	}

	units := make([]types.WorkUnit, 0, len(tiles)*len(periods))
	for _, tile := range tiles {
		for _, period := range periods {
			units = append(units, types.WorkUnit{
				Tile:   tile,
				Period: period,
				Scenes: assignScenes(tile, period, candidates),
			})
		}
	}

	return &Decomposition{Tiles: tiles, Periods: periods, Units: units}, nil
}

// validate 檢查請求中與分解有關的欄位
func validate(req types.BuildRequest) error {
	g := req.Grid
	switch {
	case req.Cube == "":
		return configErr("cube", "cube name is required")
	case req.Version < 1:
		return configErr("version", "version must be >= 1, got %d", req.Version)
	case g.Rows <= 0 || g.Cols <= 0:
		return configErr("grid", "grid %q must have positive rows and cols", g.Name)
	case g.Rows > MaxGridDim || g.Cols > MaxGridDim:
		return configErr("grid", "grid %q is %dx%d, tile ids allow at most %d rows and cols", g.Name, g.Rows, g.Cols, MaxGridDim)
	case g.TileSize <= 0 || g.PixelSize <= 0:
		return configErr("grid", "grid %q must have positive tile_size and pixel_size", g.Name)
	}
	if ratio := g.TileSize / g.PixelSize; math.Abs(ratio-math.Round(ratio)) > 1e-9 {
		return configErr("grid", "tile_size %.3f is not a multiple of pixel_size %.3f", g.TileSize, g.PixelSize)
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return configErr("dates", "invalid date range %s..%s",
			req.Start.Format("2006-01-02"), req.End.Format("2006-01-02"))
	}
	if req.Period.Step < 1 {
		return configErr("period", "period step must be >= 1, got %d", req.Period.Step)
	}
	if req.Period.Unit != types.PeriodDay && req.Period.Unit != types.PeriodMonth {
		return configErr("period", "unknown period unit %q", req.Period.Unit)
	}
	if !req.Composite.Valid() {
		return configErr("composite", "unknown composite function %q", req.Composite)
	}
	if len(req.Bands) == 0 {
		return configErr("bands", "at least one band is required")
	}
	bands := make(map[string]bool, len(req.Bands))
	for _, b := range req.Bands {
		bands[b] = true
	}
	for _, idx := range req.Indexes {
		if idx.Name == "" || !bands[idx.A] || !bands[idx.B] {
			return configErr("indexes", "index %q must combine two requested bands, got %q and %q", idx.Name, idx.A, idx.B)
		}
	}
	return nil
}

// planTiles 依請求決定瓦片集合，依 (row, col) 排序
func planTiles(req types.BuildRequest) ([]types.Tile, error) {
	g := req.Grid

	if len(req.Tiles) > 0 {
		seen := make(map[types.TileID]bool, len(req.Tiles))
		tiles := make([]types.Tile, 0, len(req.Tiles))
		for _, id := range req.Tiles {
			row, col, ok := parseTileID(id)
			if !ok || row < 0 || col < 0 || row >= g.Rows || col >= g.Cols {
				return nil, configErr("tiles", "tile %q is not part of grid %q", id, g.Name)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			tiles = append(tiles, newTile(g, row, col))
		}
		sortTiles(tiles)
		return tiles, nil
	}

	var tiles []types.Tile
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			tile := newTile(g, row, col)
			if req.AOI != nil && !tile.BBox.Intersects(*req.AOI) {
				continue
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles, nil
}

func newTile(g types.GridDef, row, col int) types.Tile {
	px := int(math.Round(g.TileSize / g.PixelSize))
	minX := g.OriginX + float64(col)*g.TileSize
	maxY := g.OriginY - float64(row)*g.TileSize
	return types.Tile{
		ID:     tileID(row, col),
		Row:    row,
		Col:    col,
		BBox:   types.BBox{MinX: minX, MinY: maxY - g.TileSize, MaxX: minX + g.TileSize, MaxY: maxY},
		Width:  px,
		Height: px,
		CRS:    g.CRS,
	}
}

// MaxGridDim 瓦片 ID 為三位數列號加三位數行號
const MaxGridDim = 999

func tileID(row, col int) types.TileID {
	return types.TileID(fmt.Sprintf("%03d%03d", row, col))
}

func parseTileID(id types.TileID) (row, col int, ok bool) {
	if len(id) != 6 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(string(id), "%03d%03d", &row, &col); err != nil {
		return 0, 0, false
	}
	return row, col, true
}

func sortTiles(tiles []types.Tile) {
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Row != tiles[j].Row {
			return tiles[i].Row < tiles[j].Row
		}
		return tiles[i].Col < tiles[j].Col
	})
}

// planPeriods 切出 [Start, End) 內的完整週期
func planPeriods(req types.BuildRequest) []types.Period {
	start := truncateDay(req.Start)
	end := truncateDay(req.End)

	var periods []types.Period
	for i := 0; ; i++ {
		var pStart, pEnd time.Time
		switch req.Period.Unit {
		case types.PeriodMonth:
			pStart = addMonths(start, i*req.Period.Step)
			pEnd = addMonths(start, (i+1)*req.Period.Step)
		default:
			pStart = start.AddDate(0, 0, i*req.Period.Step)
			pEnd = start.AddDate(0, 0, (i+1)*req.Period.Step)
		}
		if pEnd.After(end) {
			break
		}
		periods = append(periods, types.Period{Index: i, Start: pStart, End: pEnd})
	}
	return periods
}

// addMonths 以月份相加，日期超過目標月份天數時夾到月底（1/31 + 1 個月 = 2/29）
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(t.Day(), last)-1)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// normalizeScenes 過濾集合並補上缺少的取得時間
func normalizeScenes(req types.BuildRequest, scenes []types.Scene) ([]types.Scene, error) {
	wanted := make(map[string]bool, len(req.Collections))
	for _, c := range req.Collections {
		wanted[c] = true
	}

	out := make([]types.Scene, 0, len(scenes))
	for _, s := range scenes {
		if len(wanted) > 0 && !wanted[s.Collection] {
			continue
		}
		if s.Acquired.IsZero() {
			meta, err := ParseSceneID(s.ID)
			if err != nil {
				return nil, configErr("scenes", "scene %q has no acquisition date: %v", s.ID, err)
			}
			s.Acquired = meta.Acquired
		}
		s.Acquired = s.Acquired.UTC()
		out = append(out, s)
	}
	return out, nil
}

// assignScenes 選出與 (tile, period) 相交的影像並排序
func assignScenes(tile types.Tile, period types.Period, scenes []types.Scene) []types.Scene {
	var matched []types.Scene
	for _, s := range scenes {
		if period.Contains(s.Acquired) && s.Footprint.Intersects(tile.BBox) {
			matched = append(matched, s)
		}
	}
	SortScenes(matched)
	return matched
}

// SortScenes 依排序規則排列影像：雲量由低到高、取得時間由新到舊、影像 ID 字典序
func SortScenes(scenes []types.Scene) {
	sort.SliceStable(scenes, func(i, j int) bool {
		return SceneLess(scenes[i], scenes[j])
	})
}

// SceneLess 影像層級的排序比較函式
func SceneLess(a, b types.Scene) bool {
	if a.CloudCover != b.CloudCover {
		return a.CloudCover < b.CloudCover
	}
	if !a.Acquired.Equal(b.Acquired) {
		return a.Acquired.After(b.Acquired)
	}
	return a.ID < b.ID
}
