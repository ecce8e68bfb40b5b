package utils

import (
	"fmt"
	"time"
)

var sizeUnits = []string{"KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with binary units, e.g. "1.50 MB".
func FormatSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	v := float64(bytes) / 1024
	unit := 0
	for v >= 1024 && unit < len(sizeUnits)-1 {
		v /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", v, sizeUnits[unit])
}

// FormatSpeed renders a byte rate, e.g. "2.00 MB/s".
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
	return FormatSize(int64(bytesPerSecond)) + "/s"
}

// FormatTimeDuration renders d as "1h 2m 3s", dropping leading zero units.
func FormatTimeDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
