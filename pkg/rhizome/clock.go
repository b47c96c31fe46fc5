package rhizome

import "time"

// SystemClock reports wall-clock time via the standard library.
type SystemClock struct{}

// NowMS implements Clock.
func (SystemClock) NowMS() int64 { return time.Now().UnixMilli() }
