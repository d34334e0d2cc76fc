package model

import (
	"fmt"
	"time"
)

// LocalTime 是对外接口使用的时间类型，序列化为 "2006-01-02 15:04:05" 格式，
// 与状态事件中的 Timestamp 字段保持一致。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON 按统一的时间格式输出。
func (t LocalTime) MarshalJSON() ([]byte, error) {
	formatted := fmt.Sprintf("\"%s\"", time.Time(t).Format(timeFormat))
	return []byte(formatted), nil
}
