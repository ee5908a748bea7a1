package spawner

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window for the subprocess on Windows
// and creates a new process group so the whole tree can be killed. Ported
// from the teacher's internal/infra/engine/process_windows.go.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
