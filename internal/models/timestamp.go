package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Timestamp 始终序列化为 RFC3339 UTC 字符串的时间点, 零值编码为空字符串
type Timestamp struct {
	time.Time
}

// NewTimestamp 截断到微秒并转换为 UTC
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

// MarshalJSON 实现 json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON 实现 json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "timestamp must be a string")
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return errors.Wrapf(err, "parse timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}
