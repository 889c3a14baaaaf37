package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 是所有语义校验错误的共同根，调用方可用 errors.Is 判断。
var ErrInvalidConfig = errors.New("invalid config")

// FieldError 记录出错字段路径（如 App[game].Origin）与原因。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap 让 FieldError 匹配 ErrInvalidConfig。
func (e FieldError) Unwrap() error {
	return ErrInvalidConfig
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// appField 拼接 App 级字段路径；名称为空时退回到下标，例如 App[#2].Name。
func appField(index int, name, field string) string {
	if name == "" {
		return fmt.Sprintf("App[#%d].%s", index, field)
	}
	return fmt.Sprintf("App[%s].%s", name, field)
}
