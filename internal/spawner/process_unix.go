//go:build !windows

package spawner

import "os/exec"

// configureProcess is a no-op on non-Windows platforms. Ported from the
// teacher's internal/infra/engine/process_unix.go.
func configureProcess(_ *exec.Cmd) {}
