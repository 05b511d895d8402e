package wal

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptedWAL     = errors.New("wal: file is corrupted")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrWALClosed        = errors.New("wal: already closed")
)

// ChecksumError 事件內容與其 CRC32 不符
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: event %d has checksum 0x%08x, computed 0x%08x", e.Seq, e.Actual, e.Expected)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError 一筆記錄無法解析。Seq 為最後一筆完好的事件，
// Offset 為壞記錄起點，開啟時會從這裡截斷。
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: unreadable record at offset %d (last good seq %d): %v", e.Offset, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedWAL, e.Cause} }
