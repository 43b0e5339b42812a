package core

import "time"

// TimeFormat is the wire format for timestamps: UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a wire-format timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// NowFormatted returns the current time in the wire format.
func NowFormatted() string {
	return FormatTime(time.Now())
}
