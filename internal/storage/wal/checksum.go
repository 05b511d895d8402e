package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Checksum 歸零後序列化整個事件（包含記錄內容）
// - 使用 CRC32-IEEE 多項式計算
//
// 參數：
//
//	event - 要計算的事件
//
// 回傳：
//
//	uint32 校驗和
func CalculateChecksum(event Event) (uint32, error) {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// VerifyChecksum 驗證事件的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected, err := CalculateChecksum(event)
	if err != nil {
		return err
	}
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
