package scheduler

import (
	"sort"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var stageRank = map[types.Stage]int{
	types.StageMerge:   0,
	types.StageBlend:   1,
	types.StagePublish: 2,
}

// reduceStatus 由建置的任務狀態推導整體與每個 tile 的進度
//
// 整體狀態：
//   - Failed: 建置被取消，或所有任務終止後沒有任何 tile 發佈成功
//   - InProgress: 仍有非終止任務
//   - CompletedDegraded: 有 tile 降級（merge 用盡重試、blend 或 publish 未成功）
//   - Completed: 其餘情況
func reduceStatus(build *types.Build, jobs []*types.Job) *types.BuildStatus {
	tiles := make(map[types.TileID]*types.TileStatus)
	merges := make(map[types.TileID][]types.JobStatus)
	tile := func(id types.TileID) *types.TileStatus {
		ts, ok := tiles[id]
		if !ok {
			ts = &types.TileStatus{Tile: id, Stage: types.StageMerge}
			tiles[id] = ts
		}
		return ts
	}

	inProgress := false
	published := 0
	for _, job := range jobs {
		if !job.Status.Terminal() {
			inProgress = true
		}
		ts := tile(job.Tile)

		switch job.Stage {
		case types.StageMerge:
			merges[job.Tile] = append(merges[job.Tile], job.Status)
			period := periodKey(job)
			switch {
			case job.Status == types.StatusExhausted:
				ts.Degraded = true
				ts.ExhaustedPeriods = append(ts.ExhaustedPeriods, period)
			case job.Status == types.StatusSucceeded && job.Output != nil && job.Output.Empty:
				ts.EmptyPeriods = append(ts.EmptyPeriods, period)
			}
		case types.StageBlend, types.StagePublish:
			if job.Status == types.StatusExhausted || job.Status == types.StatusSkipped {
				ts.Degraded = true
			}
			if job.Stage == types.StagePublish && job.Status == types.StatusSucceeded {
				published++
			}
			// Pending 的下游尚未到達
			if job.Status != types.StatusPending && stageRank[job.Stage] > stageRank[ts.Stage] {
				ts.Stage = job.Stage
				ts.Status = job.Status
			}
		}
	}

	for id, statuses := range merges {
		if ts := tiles[id]; ts.Stage == types.StageMerge {
			ts.Status = mergeStatus(statuses)
		}
	}
	for _, id := range build.SkippedTiles {
		tiles[id] = &types.TileStatus{Tile: id, Stage: types.StagePublish, Status: types.StatusSkipped, Skipped: true}
	}

	out := &types.BuildStatus{Build: build.ID, Cancelled: build.Cancelled}
	degraded := false
	for _, ts := range tiles {
		sort.Strings(ts.ExhaustedPeriods)
		sort.Strings(ts.EmptyPeriods)
		degraded = degraded || ts.Degraded
		out.Tiles = append(out.Tiles, *ts)
	}
	sort.Slice(out.Tiles, func(i, j int) bool { return out.Tiles[i].Tile < out.Tiles[j].Tile })

	switch {
	case build.Cancelled:
		out.Overall = types.OverallFailed
	case inProgress:
		out.Overall = types.OverallInProgress
	case len(jobs) > 0 && published == 0:
		out.Overall = types.OverallFailed
	case degraded:
		out.Overall = types.OverallCompletedDegraded
	default:
		out.Overall = types.OverallCompleted
	}
	return out
}

// mergeStatus 彙總一個 tile 所有 merge 任務的狀態
func mergeStatus(statuses []types.JobStatus) types.JobStatus {
	counts := make(map[types.JobStatus]int)
	for _, s := range statuses {
		counts[s]++
	}
	switch {
	case counts[types.StatusDispatched] > 0:
		return types.StatusDispatched
	case counts[types.StatusFailed] > 0:
		return types.StatusFailed
	case counts[types.StatusPending] > 0:
		return types.StatusPending
	case counts[types.StatusCancelled] > 0:
		return types.StatusCancelled
	case counts[types.StatusExhausted] == len(statuses):
		return types.StatusExhausted
	}
	return types.StatusSucceeded
}

func periodKey(job *types.Job) string {
	if job.Merge != nil {
		return job.Merge.Unit.Period.Key()
	}
	return ""
}
