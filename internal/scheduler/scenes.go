package scheduler

import (
	"context"
	"slices"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// SceneIndex 提供建置請求的候選影像
type SceneIndex interface {
	Scenes(ctx context.Context, collections []string) ([]types.Scene, error)
}

// StaticScenes 固定的影像清單，CLI 從請求檔載入
type StaticScenes []types.Scene

// Scenes 回傳屬於指定集合的影像
func (s StaticScenes) Scenes(ctx context.Context, collections []string) ([]types.Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Scene, 0, len(s))
	for _, scene := range s {
		if slices.Contains(collections, scene.Collection) {
			out = append(out, scene)
		}
	}
	return out, nil
}
