package util

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count with binary units (KiB, MiB, ...)
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// FormatCount renders large counts with thousands separators
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// FormatAge renders t relative to now ("3 minutes ago")
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
