package snapshot

// ============================================================================
// 職責說明：
// 1. 將任務儲存狀態（建置、任務、扇入計數器）寫成帶摘要的快照信封
// 2. 路徑以 .zst 結尾時整個信封以 zstd 壓縮
// 3. 載入時依序檢查：解碼 → schema 版本 → xxhash 摘要
// 4. 快照記錄 LastSeq，恢復時只重放其後的 WAL 事件
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 3

// envelope is the on-disk layout. State holds the JSON-encoded SnapshotData
// and Digest its xxhash64.
type envelope struct {
	Schema  int             `json:"schema"`
	LastSeq uint64          `json:"last_seq"`
	Jobs    int             `json:"jobs"`
	Digest  uint64          `json:"digest"`
	State   json.RawMessage `json:"state"`
}

// Manager 快照管理器
type Manager struct {
	path     string
	compress bool
	mu       sync.Mutex
}

// NewManager 建立快照管理器，".zst" 路徑啟用壓縮
func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		compress: strings.HasSuffix(path, ".zst"),
	}
}

// Path 快照檔案路徑
func (m *Manager) Path() string { return m.path }

// Write 原子性寫入快照
//
// 寫入同目錄臨時檔案、fsync 後以 os.Rename 取代舊快照，
// 讀取端只會看到完整的舊快照或新快照。
//
// 參數：
//   - data: 完整儲存狀態
//
// 返回值：
//   - error: 編碼或檔案操作失敗
func (m *Manager) Write(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	state, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	raw, err := json.Marshal(envelope{
		Schema:  SchemaVersion,
		LastSeq: data.LastSeq,
		Jobs:    len(data.Jobs),
		Digest:  xxhash.Sum64(state),
		State:   state,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if m.compress {
		if raw, err = encode(raw); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return writeAtomic(m.path, raw)
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(step string, err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to %s temp snapshot: %w", step, err)
	}

	if _, err := tmp.Write(raw); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 檔案不存在時回傳 Empty()（首次啟動）。
// 解碼失敗或摘要不符回傳 ErrCorruptedSnapshot，
// 版本不符回傳 ErrIncompatibleVersion。
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	raw, err := os.ReadFile(m.path)
	m.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if m.compress {
		if raw, err = decode(raw); err != nil {
			return types.SnapshotData{}, err
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.Schema != SchemaVersion {
		return types.SnapshotData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.Schema, SchemaVersion)
	}
	if got := xxhash.Sum64(env.State); got != env.Digest {
		return types.SnapshotData{}, fmt.Errorf("%w: digest 0x%016x, want 0x%016x", ErrCorruptedSnapshot, got, env.Digest)
	}

	data := Empty()
	if err := json.Unmarshal(env.State, &data); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.LastSeq != env.LastSeq || len(data.Jobs) != env.Jobs {
		return types.SnapshotData{}, fmt.Errorf("%w: header does not match state", ErrCorruptedSnapshot)
	}
	fillMaps(&data)
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Empty 回傳首次啟動用的空狀態
func Empty() types.SnapshotData {
	data := types.SnapshotData{SchemaVer: SchemaVersion}
	fillMaps(&data)
	return data
}

// null maps in the state decode as nil
func fillMaps(data *types.SnapshotData) {
	if data.Builds == nil {
		data.Builds = make(map[types.BuildID]*types.Build)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Counters == nil {
		data.Counters = make(map[types.CounterKey]*types.FanInCounter)
	}
}

func encode(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decode(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return out, nil
}
