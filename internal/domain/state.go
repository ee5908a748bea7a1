package domain

import "time"

// StateEntry is a per-butler key-value row with optimistic concurrency
// (spec §3, §4.2). Version is monotonic, starting at 1.
type StateEntry struct {
	Key       string
	Value     string // arbitrary JSON
	Version   int64
	UpdatedAt time.Time
}
