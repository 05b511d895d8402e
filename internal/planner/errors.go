package planner

import "fmt"

// ConfigurationError 請求本身無效（空網格、無效日期範圍等），
// 整個建置在分派任何任務前失敗
type ConfigurationError struct {
	Field  string // 出錯的請求欄位
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
