package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後封存並以 zstd 壓縮）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描到最後一個完整事件並從它的 seq 繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 後 fsync

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	last, end, err := lastEvent(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to scan wal: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}

	// 截掉不完整的最後一行，否則下一次 Append 會接在它後面
	if info, statErr := file.Stat(); statErr == nil && info.Size() > end {
		log.Warn("Truncating torn WAL tail", "path", path, "offset", end, "size", info.Size())
		if err := file.Truncate(end); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate wal: %w", err)
		}
	}

	var seq uint64
	if last != nil {
		seq = last.Seq
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq 並填入時間戳與 checksum
// - 整行寫入後才回傳，呼叫端可在回傳後套用狀態
//
// 參數：
//
//	event - 事件（Seq、Timestamp、Checksum 由 WAL 填入）
//
// 回傳：
//
//	寫入的序號，錯誤（如果寫入失敗）
func (w *WAL) Append(event Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	event.Seq = w.seq + 1
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	sum, err := CalculateChecksum(event)
	if err != nil {
		return 0, fmt.Errorf("failed to checksum event: %w", err)
	}
	event.Checksum = sum

	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync wal: %w", err)
		}
	}

	w.seq = event.Seq
	return event.Seq, nil
}

// Replay 重放 afterSeq 之後的所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案，跳過 seq <= afterSeq 的事件（已包含在快照中）
// - 驗證每個事件的 checksum
// - 最後一行不完整（寫入中途崩潰）時視為未寫入，記錄警告後結束
// - 其他損壞立即停止並回傳錯誤
//
// 參數：
//
//	afterSeq - 快照的 LastSeq
//	handler  - 事件處理函式
//
// 回傳：
//
//	錯誤（如果重放失敗）
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open wal for replay: %w", err)
	}
	defer file.Close()

	_, err = scan(file, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		return handler(event)
	})
	return err
}

// Rotate 封存目前的日誌並開啟新檔
//
// 封存檔以 zstd 壓縮（<path>.<timestamp>.zst）。
// 序號不歸零，快照的 LastSeq 仍可用來過濾新檔中的事件。
//
// 回傳：
//
//	封存檔路徑，錯誤（如果旋轉失敗）
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync wal: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close wal: %w", err)
	}

	rotated := w.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(w.path, rotated); err != nil {
		return "", fmt.Errorf("failed to rename wal: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to reopen wal: %w", err)
	}
	w.file = newFile

	archive := rotated + ".zst"
	if err := compressFile(rotated, archive); err != nil {
		// 壓縮失敗時保留未壓縮的封存檔
		log.Warn("Failed to compress rotated WAL", "path", rotated, "error", err)
		return rotated, nil
	}
	os.Remove(rotated)
	return archive, nil
}

// Close 關閉 WAL，關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// GetPath 取得 WAL 檔案路徑
func (w *WAL) GetPath() string {
	return w.path
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件，檔案為空時回傳 nil
func GetLastEvent(path string) (*Event, error) {
	last, _, err := lastEvent(path)
	return last, err
}

// lastEvent 回傳最後一個完整事件以及完整內容的結尾位置
func lastEvent(path string) (*Event, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var last *Event
	end, err := scan(file, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	return last, end, err
}

// ReadArchive 解壓縮並讀取封存檔中的所有事件（除錯與稽核用）
func ReadArchive(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer dec.Close()

	var events []Event
	_, err = scan(dec, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		events = append(events, event)
		return nil
	})
	return events, err
}

// scan 逐行解析事件，回傳完整內容的結尾位置。
// 最後一行沒有換行且無法解析時視為寫入中途崩潰而忽略。
func scan(r io.Reader, fn func(Event) error) (int64, error) {
	reader := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			torn := err == io.EOF
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var event Event
				if jsonErr := json.Unmarshal(trimmed, &event); jsonErr != nil {
					if torn {
						log.Warn("Ignoring torn WAL tail", "offset", offset, "bytes", len(line))
						return offset, nil
					}
					return offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: jsonErr}
				}
				if cbErr := fn(event); cbErr != nil {
					return offset, cbErr
				}
				lastSeq = event.Seq
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("failed to read wal: %w", err)
		}
	}
}

// compressFile 以 zstd 壓縮封存的 WAL 檔案
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
