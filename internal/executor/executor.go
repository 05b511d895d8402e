// ============================================================================
// cube-builder Stage Executors
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 依任務階段執行 merge / blend / publish，並寫入資產
//
// 執行語義:
//   - 每次呼叫可能被重複執行（至少一次），資產依 AssetKey 覆寫，
//     因此重新執行是安全的
//   - 輸出只依賴輸入內容，相同輸入產生位元組完全相同的資產
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/cube-builder/internal/assetstore"
	"github.com/ChuLiYu/cube-builder/internal/catalog"
	"github.com/ChuLiYu/cube-builder/internal/raster"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

var (
	ErrUnknownStage = errors.New("unknown job stage")
	ErrMissingTask  = errors.New("job has no task for its stage")
	ErrNoBlend      = errors.New("publish has no blend output")
)

// DefaultCloudThreshold 請求未指定時，雲機率小於等於此值的像素視為晴空
const DefaultCloudThreshold uint8 = 30

// Config 執行器設定
type Config struct {
	SceneConcurrency int              // merge 同時讀取的影像數
	CloudThreshold   uint8            // 預設晴空門檻
	OverviewLevels   int              // publish 金字塔層數上限
	Now              func() time.Time // 測試可注入
}

// BuildReader 執行器需要的建置資料來源（由 jobstore 實作）
type BuildReader interface {
	GetBuild(ctx context.Context, id types.BuildID) (*types.Build, error)
	ListJobs(ctx context.Context, id types.BuildID) ([]*types.Job, error)
}

// Executor 實作 worker.Invoker
type Executor struct {
	reader  raster.SceneReader
	assets  assetstore.Store
	catalog catalog.Catalog
	builds  BuildReader
	cfg     Config
}

// New 創建執行器
func New(reader raster.SceneReader, assets assetstore.Store, cat catalog.Catalog, builds BuildReader, cfg Config) *Executor {
	if cfg.SceneConcurrency <= 0 {
		cfg.SceneConcurrency = 4
	}
	if cfg.CloudThreshold == 0 {
		cfg.CloudThreshold = DefaultCloudThreshold
	}
	if cfg.OverviewLevels <= 0 {
		cfg.OverviewLevels = raster.MaxOverviewLevels
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{reader: reader, assets: assets, catalog: cat, builds: builds, cfg: cfg}
}

// Invoke 依 job.Stage 分派到對應的執行器
//
// 參數：
//   - ctx: 上下文（由 worker 設定逾時）
//   - job: 已分派的任務
//
// 返回值：
//   - *types.AssetRef: 寫入的資產參照
//   - error: 任何錯誤都視為本次嘗試失敗，由排程器決定是否重試
func (e *Executor) Invoke(ctx context.Context, job types.Job) (*types.AssetRef, error) {
	build, err := e.builds.GetBuild(ctx, job.Build)
	if err != nil {
		return nil, fmt.Errorf("failed to load build %s: %w", job.Build, err)
	}
	req := build.Request

	switch job.Stage {
	case types.StageMerge:
		if job.Merge == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingTask, job.ID)
		}
		return e.RunMerge(ctx, req, job.Merge.Unit)

	case types.StageBlend:
		if job.Blend == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingTask, job.ID)
		}
		refs, err := e.outputs(ctx, job.Build, job.Tile, types.StageMerge)
		if err != nil {
			return nil, err
		}
		return e.RunBlend(ctx, req, job.Blend.Tile, job.Blend.Periods, refs)

	case types.StagePublish:
		if job.Publish == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingTask, job.ID)
		}
		refs, err := e.outputs(ctx, job.Build, job.Tile, types.StageBlend)
		if err != nil {
			return nil, err
		}
		return e.RunPublish(ctx, req, job.Publish.Tile, refs)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStage, job.Stage)
}

// outputs 收集某個 tile 在指定階段成功任務的輸出，依週期排序
func (e *Executor) outputs(ctx context.Context, build types.BuildID, tile types.TileID, stage types.Stage) ([]types.AssetRef, error) {
	jobs, err := e.builds.ListJobs(ctx, build)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of %s: %w", build, err)
	}
	var matched []*types.Job
	for _, j := range jobs {
		if j.Tile == tile && j.Stage == stage && j.Status == types.StatusSucceeded && j.Output != nil {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].Period < matched[b].Period })

	refs := make([]types.AssetRef, len(matched))
	for i, j := range matched {
		refs[i] = *j.Output
	}
	return refs, nil
}

func (e *Executor) threshold(req types.BuildRequest) uint8 {
	if req.CloudThreshold > 0 {
		return req.CloudThreshold
	}
	return e.cfg.CloudThreshold
}

// write 編碼並寫入資產
func (e *Executor) write(ctx context.Context, key types.AssetKey, c *raster.Composite) (*types.AssetRef, error) {
	data, err := raster.Encode(c)
	if err != nil {
		return nil, err
	}
	if err := e.assets.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", key, err)
	}
	return &types.AssetRef{
		Key:        key,
		Stage:      key.Stage,
		Tile:       key.Tile,
		Period:     key.Period,
		Empty:      c.Empty,
		Efficacy:   c.Efficacy,
		CloudRatio: c.CloudRatio,
	}, nil
}

// load 讀取並解碼資產
func (e *Executor) load(ctx context.Context, key types.AssetKey) (*raster.Composite, error) {
	data, err := e.assets.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	c, err := raster.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return c, nil
}

// qualityStats 由品質平面計算晴空比例與雲覆蓋比例（百分比）
func qualityStats(quality []uint8, threshold uint8) (efficacy, cloudRatio float64, empty bool) {
	var clear, observed int
	for _, q := range quality {
		if q == raster.NoObservation {
			continue
		}
		observed++
		if q <= threshold {
			clear++
		}
	}
	if len(quality) > 0 {
		efficacy = 100 * float64(clear) / float64(len(quality))
	}
	if observed == 0 {
		return efficacy, 100, true
	}
	return efficacy, 100 * float64(observed-clear) / float64(observed), false
}

func assetKey(req types.BuildRequest, tile types.TileID, period string, stage types.Stage) types.AssetKey {
	return types.AssetKey{Cube: req.Cube, Version: req.Version, Tile: tile, Period: period, Stage: stage}
}
