// Package types 定義了 cube-builder 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// ============================================================================
// 識別碼
// ============================================================================

// BuildID 建置請求唯一識別碼
type BuildID string

// TileID 網格瓦片識別碼（"%03d%03d" 的 row, col）
type TileID string

// JobID 任務唯一識別碼，格式為 build/stage/tile[/period]
type JobID string

// CounterKey 扇入計數器識別碼
type CounterKey string

// Stage 任務所屬的處理階段
type Stage string

// 定義處理階段常數（固定三段 DAG：merge → blend → publish）
const (
	StageMerge   Stage = "merge"
	StageBlend   Stage = "blend"
	StagePublish Stage = "publish"
)

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "pending"    // 已建立，等待分派
	StatusDispatched JobStatus = "dispatched" // 已分派給 worker
	StatusSucceeded  JobStatus = "succeeded"  // 執行成功
	StatusFailed     JobStatus = "failed"     // 本次嘗試失敗，等待退避後重試
	StatusExhausted  JobStatus = "exhausted"  // 重試次數用盡
	StatusCancelled  JobStatus = "cancelled"  // 建置被取消
	StatusSkipped    JobStatus = "skipped"    // 上游輸出不存在，不執行
)

// Terminal 回傳狀態是否為終止狀態
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusExhausted, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// CompositeFunc 時間合成函式選擇器
type CompositeFunc string

const (
	CompositeFirstValid    CompositeFunc = "first-valid"
	CompositeMedianOfValid CompositeFunc = "median-of-valid"
	CompositeMinCloud      CompositeFunc = "min-cloud-of-valid"
)

// Valid 檢查合成函式是否為已知值
func (f CompositeFunc) Valid() bool {
	switch f {
	case CompositeFirstValid, CompositeMedianOfValid, CompositeMinCloud:
		return true
	}
	return false
}

// ============================================================================
// 空間與時間定義
// ============================================================================

// BBox 邊界框（地圖單位）
type BBox struct {
	MinX float64 `json:"min_x" yaml:"min_x" hcl:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y" hcl:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x" hcl:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y" hcl:"max_y"`
}

// Intersects 判斷兩個邊界框是否有面積交集（僅接觸邊界不算）
func (b BBox) Intersects(o BBox) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// GridDef 立方體的空間網格定義
type GridDef struct {
	Name      string  `json:"name" yaml:"name"`
	CRS       string  `json:"crs" yaml:"crs"`
	OriginX   float64 `json:"origin_x" yaml:"origin_x"`     // 左上角 X
	OriginY   float64 `json:"origin_y" yaml:"origin_y"`     // 左上角 Y
	TileSize  float64 `json:"tile_size" yaml:"tile_size"`   // 瓦片邊長（地圖單位）
	PixelSize float64 `json:"pixel_size" yaml:"pixel_size"` // 像素大小（地圖單位）
	Rows      int     `json:"rows" yaml:"rows"`
	Cols      int     `json:"cols" yaml:"cols"`
}

// PeriodUnit 時間週期單位
type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodMonth PeriodUnit = "month"
)

// PeriodSpec 時間週期寬度
type PeriodSpec struct {
	Unit PeriodUnit `json:"unit" yaml:"unit"`
	Step int        `json:"step" yaml:"step"`
}

// IndexSpec 正規化差值指數波段，(A-B)/(A+B)
type IndexSpec struct {
	Name string `json:"name" yaml:"name"`
	A    string `json:"a" yaml:"a"`
	B    string `json:"b" yaml:"b"`
}

// BuildRequest 建置請求，被接受後不可變
type BuildRequest struct {
	Cube           string        `json:"cube" yaml:"cube"`
	Version        int           `json:"version" yaml:"version"`
	Grid           GridDef       `json:"grid" yaml:"grid"`
	AOI            *BBox         `json:"aoi,omitempty" yaml:"aoi,omitempty"`
	Tiles          []TileID      `json:"tiles,omitempty" yaml:"tiles,omitempty"`
	Start          time.Time     `json:"start" yaml:"start"`
	End            time.Time     `json:"end" yaml:"end"`
	Period         PeriodSpec    `json:"period" yaml:"period"`
	Composite      CompositeFunc `json:"composite" yaml:"composite"`
	Collections    []string      `json:"collections" yaml:"collections"`
	Bands          []string      `json:"bands" yaml:"bands"`
	NoData         int16         `json:"nodata" yaml:"nodata"`
	CloudThreshold uint8         `json:"cloud_threshold" yaml:"cloud_threshold"`
	Indexes        []IndexSpec   `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Force          bool          `json:"force,omitempty" yaml:"force,omitempty"`
}

// Range 回傳整個建置日期範圍對應的週期（用於 blend/publish 資產鍵）
func (r BuildRequest) Range() Period {
	return Period{Index: -1, Start: r.Start, End: r.End}
}

// Tile 網格中的一個瓦片
type Tile struct {
	ID     TileID `json:"id"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	BBox   BBox   `json:"bbox"`
	Width  int    `json:"width"`  // 像素
	Height int    `json:"height"` // 像素
	CRS    string `json:"crs"`
}

// Pixels 回傳瓦片的像素總數
func (t Tile) Pixels() int {
	return t.Width * t.Height
}

// Period 半開區間 [Start, End)
type Period struct {
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Key 週期的穩定字串表示
func (p Period) Key() string {
	return p.Start.Format("2006-01-02") + "_" + p.End.Format("2006-01-02")
}

// Contains 判斷時間是否落在週期內
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Scene 輸入影像
type Scene struct {
	ID         string    `json:"id" yaml:"id"`
	Collection string    `json:"collection" yaml:"collection"`
	Acquired   time.Time `json:"acquired" yaml:"acquired"`
	Footprint  BBox      `json:"footprint" yaml:"footprint"`
	CloudCover float64   `json:"cloud_cover" yaml:"cloud_cover"`
}

// WorkUnit (Tile, Period) 工作單元，對應唯一一個 Merge 任務
type WorkUnit struct {
	Tile   Tile    `json:"tile"`
	Period Period  `json:"period"`
	Scenes []Scene `json:"scenes"` // 依排序規則排列的候選影像
}

// ============================================================================
// 資產
// ============================================================================

// AssetKey 資產鍵，由 (cube, version, tile, period, stage) 決定，與嘗試次數無關
type AssetKey struct {
	Cube    string `json:"cube"`
	Version int    `json:"version"`
	Tile    TileID `json:"tile"`
	Period  string `json:"period"`
	Stage   Stage  `json:"stage"`
}

// String 資產鍵的儲存路徑表示
func (k AssetKey) String() string {
	return fmt.Sprintf("%s/v%03d/%s/%s/%s", k.Cube, k.Version, k.Tile, k.Period, k.Stage)
}

// AssetRef 已寫入的資產參照
type AssetRef struct {
	Key        AssetKey `json:"key"`
	Stage      Stage    `json:"stage"`
	Tile       TileID   `json:"tile"`
	Period     string   `json:"period"`
	Empty      bool     `json:"empty,omitempty"` // 沒有任何有效像素
	Efficacy   float64  `json:"efficacy"`        // 晴空像素百分比
	CloudRatio float64  `json:"cloud_ratio"`     // 雲覆蓋百分比
}

// ============================================================================
// 任務（依 Stage 標記的變體）
// ============================================================================

// MergeTask merge 階段專屬欄位
type MergeTask struct {
	Unit WorkUnit `json:"unit"`
}

// BlendTask blend 階段專屬欄位
type BlendTask struct {
	Tile    Tile     `json:"tile"`
	Periods []Period `json:"periods"`
}

// PublishTask publish 階段專屬欄位
type PublishTask struct {
	Tile Tile `json:"tile"`
}

// Job 任務結構。Stage 決定哪一個階段欄位有值
type Job struct {
	// 識別
	ID     JobID   `json:"id"`
	Build  BuildID `json:"build"`
	Stage  Stage   `json:"stage"`
	Tile   TileID  `json:"tile"`
	Period int     `json:"period"` // 週期索引，blend/publish 為 -1

	// 階段專屬欄位（依 Stage 擇一）
	Merge   *MergeTask   `json:"merge,omitempty"`
	Blend   *BlendTask   `json:"blend,omitempty"`
	Publish *PublishTask `json:"publish,omitempty"`

	// 狀態追蹤
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`               // 已分派次數
	NotBefore int64     `json:"not_before,omitempty"`  // 重試最早時間（Unix 毫秒）
	Deadline  *int64    `json:"deadline_ms,omitempty"` // 本次分派截止時間（Unix 毫秒）
	LastError string    `json:"last_error,omitempty"`

	// 依賴關係
	Guard  CounterKey `json:"guard,omitempty"`  // 分派前必須歸零的計數器
	Parent CounterKey `json:"parent,omitempty"` // 終止時要遞減的計數器

	Output *AssetRef `json:"output,omitempty"`

	CreatedAt int64 `json:"created_at"` // Unix 毫秒
	UpdatedAt int64 `json:"updated_at"` // Unix 毫秒
}

// Clone 深拷貝任務（階段欄位與輸出共用不可變資料，只複製指標本身）
func (j *Job) Clone() *Job {
	c := *j
	if j.Deadline != nil {
		d := *j.Deadline
		c.Deadline = &d
	}
	if j.Output != nil {
		o := *j.Output
		c.Output = &o
	}
	return &c
}

// MergeJobID 產生 merge 任務 ID
func MergeJobID(build BuildID, tile TileID, period Period) JobID {
	return JobID(fmt.Sprintf("%s/%s/%s/%s", build, StageMerge, tile, period.Key()))
}

// BlendJobID 產生 blend 任務 ID
func BlendJobID(build BuildID, tile TileID) JobID {
	return JobID(fmt.Sprintf("%s/%s/%s", build, StageBlend, tile))
}

// PublishJobID 產生 publish 任務 ID
func PublishJobID(build BuildID, tile TileID) JobID {
	return JobID(fmt.Sprintf("%s/%s/%s", build, StagePublish, tile))
}

// MergeCounterKey tile 的 merge 扇入計數器
func MergeCounterKey(build BuildID, tile TileID) CounterKey {
	return CounterKey(fmt.Sprintf("%s/merge/%s", build, tile))
}

// BlendCounterKey 整個立方體的 blend 扇入計數器
func BlendCounterKey(build BuildID) CounterKey {
	return CounterKey(fmt.Sprintf("%s/blend", build))
}

// FanInCounter 扇入計數器，僅能透過儲存層的原子遞減修改
type FanInCounter struct {
	Key        CounterKey `json:"key"`
	Build      BuildID    `json:"build"`
	Initial    int        `json:"initial"`
	Remaining  int        `json:"remaining"`
	Downstream []JobID    `json:"downstream"`
	Applied    []JobID    `json:"applied,omitempty"` // 已套用遞減的上游任務
}

// ============================================================================
// 建置與狀態
// ============================================================================

// Build 已接受的建置
type Build struct {
	ID           BuildID      `json:"id"`
	Request      BuildRequest `json:"request"`
	CreatedAt    int64        `json:"created_at"`
	Cancelled    bool         `json:"cancelled,omitempty"`
	SkippedTiles []TileID     `json:"skipped_tiles,omitempty"` // 已發佈且未要求強制重建
}

// Overall 建置整體狀態
type Overall string

const (
	OverallInProgress        Overall = "InProgress"
	OverallCompleted         Overall = "Completed"
	OverallCompletedDegraded Overall = "CompletedDegraded"
	OverallFailed            Overall = "Failed"
)

// TileStatus 單一瓦片的進度
type TileStatus struct {
	Tile             TileID    `json:"tile"`
	Stage            Stage     `json:"stage"`  // 目前到達的最遠階段
	Status           JobStatus `json:"status"` // 該階段任務狀態
	Degraded         bool      `json:"degraded,omitempty"`
	ExhaustedPeriods []string  `json:"exhausted_periods,omitempty"`
	EmptyPeriods     []string  `json:"empty_periods,omitempty"`
	Skipped          bool      `json:"skipped,omitempty"`
}

// BuildStatus 狀態查詢結果
type BuildStatus struct {
	Build     BuildID      `json:"build"`
	Overall   Overall      `json:"overall"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Tiles     []TileStatus `json:"tiles"`
}

// SnapshotData 快照資料，用於記憶體儲存的持久化和恢復
type SnapshotData struct {
	Builds    map[BuildID]*Build           `json:"builds"`
	Jobs      map[JobID]*Job               `json:"jobs"`
	Counters  map[CounterKey]*FanInCounter `json:"counters"`
	SchemaVer int                          `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64                       `json:"last_seq"`   // 最後處理的 WAL 序列號
}
