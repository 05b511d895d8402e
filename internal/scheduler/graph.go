package scheduler

import (
	"slices"
	"time"

	"github.com/ChuLiYu/cube-builder/internal/planner"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// buildGraph 將規劃結果展開為固定的 merge → blend → publish 任務圖
//
// 每個 tile 一個 merge 計數器（初始值 = 週期數，下游 = 該 tile 的 blend），
// 整個立方體一個 blend 計數器（初始值 = tile 數，下游 = 所有 publish）。
// skipped 中的 tile 不產生任何任務。
func buildGraph(id types.BuildID, plan *planner.Decomposition, skipped []types.TileID, now time.Time) ([]*types.Job, []*types.FanInCounter) {
	ts := now.UnixMilli()
	blendKey := types.BlendCounterKey(id)
	blendCounter := &types.FanInCounter{Key: blendKey, Build: id}

	var jobs []*types.Job
	var counters []*types.FanInCounter

	for _, tile := range plan.Tiles {
		if slices.Contains(skipped, tile.ID) {
			continue
		}
		mergeKey := types.MergeCounterKey(id, tile.ID)
		blendID := types.BlendJobID(id, tile.ID)
		publishID := types.PublishJobID(id, tile.ID)

		units := plan.UnitsFor(tile.ID)
		for _, unit := range units {
			jobs = append(jobs, &types.Job{
				ID:        types.MergeJobID(id, tile.ID, unit.Period),
				Build:     id,
				Stage:     types.StageMerge,
				Tile:      tile.ID,
				Period:    unit.Period.Index,
				Merge:     &types.MergeTask{Unit: unit},
				Status:    types.StatusPending,
				Parent:    mergeKey,
				CreatedAt: ts,
				UpdatedAt: ts,
			})
		}

		jobs = append(jobs,
			&types.Job{
				ID:        blendID,
				Build:     id,
				Stage:     types.StageBlend,
				Tile:      tile.ID,
				Period:    -1,
				Blend:     &types.BlendTask{Tile: tile, Periods: plan.Periods},
				Status:    types.StatusPending,
				Guard:     mergeKey,
				Parent:    blendKey,
				CreatedAt: ts,
				UpdatedAt: ts,
			},
			&types.Job{
				ID:        publishID,
				Build:     id,
				Stage:     types.StagePublish,
				Tile:      tile.ID,
				Period:    -1,
				Publish:   &types.PublishTask{Tile: tile},
				Status:    types.StatusPending,
				Guard:     blendKey,
				CreatedAt: ts,
				UpdatedAt: ts,
			},
		)

		counters = append(counters, &types.FanInCounter{
			Key:        mergeKey,
			Build:      id,
			Initial:    len(units),
			Remaining:  len(units),
			Downstream: []types.JobID{blendID},
		})
		blendCounter.Initial++
		blendCounter.Remaining++
		blendCounter.Downstream = append(blendCounter.Downstream, publishID)
	}

	if blendCounter.Initial > 0 {
		counters = append(counters, blendCounter)
	}
	return jobs, counters
}

// mergeJobs 回傳任務圖中的所有 merge 任務 ID
func mergeJobs(jobs []*types.Job) []types.JobID {
	var ids []types.JobID
	for _, j := range jobs {
		if j.Stage == types.StageMerge {
			ids = append(ids, j.ID)
		}
	}
	return ids
}
