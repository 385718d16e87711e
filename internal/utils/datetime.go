package utils

import "time"

// parse string, return time.Duration or default
func DurationOr(input string, defval time.Duration) time.Duration {
	dt, err := time.ParseDuration(input)
	if err != nil || dt <= 0 {
		return defval
	}
	return dt
}

// unix milliseconds, the resolution expiry columns are stored with
func UnixMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
