package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// tagField 用于拼接同步标签字段路径，输出 SyncTag[xxx].Field 形式。
func tagField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("SyncTag[].%s", field)
	}
	return fmt.Sprintf("SyncTag[%s].%s", name, field)
}

func indexField(field string, idx int) string {
	return fmt.Sprintf("%s[%d]", field, idx)
}
