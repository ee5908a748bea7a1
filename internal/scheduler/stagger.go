package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
)

// DefaultMaxStaggerSeconds bounds the deterministic jitter applied to a
// task's every computed run time so that many butlers on the same cron
// cadence don't all wake in the same instant (spec §4.5).
const DefaultMaxStaggerSeconds = 900

// staggerOffsetSeconds derives a deterministic 0..bound-1 second offset from
// key, the same way every time it's called — no state, no randomness, so a
// restarted scheduler reproduces the same schedule. Grounded on the
// sha256-mod staggering idiom the pack's cron-scheduler example uses for
// spreading cron-triggered work across a window.
func staggerOffsetSeconds(key string, cadenceSeconds, maxStaggerSeconds int) int {
	bound := maxStaggerSeconds
	if cadenceSeconds > 0 && cadenceSeconds-1 < bound {
		bound = cadenceSeconds - 1
	}
	if bound <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint64(sum[:8])
	return int(v % uint64(bound))
}
