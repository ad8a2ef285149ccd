//go:build unix

package core

import (
	"os"
	"os/exec"
	"syscall"
)

// startInGroup puts the engine in its own process group so signals reach
// everything it spawns.
func startInGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(process *os.Process) {
	signalGroup(process, syscall.SIGTERM)
}

func killProcess(process *os.Process) {
	signalGroup(process, syscall.SIGKILL)
}

func signalGroup(process *os.Process, sig syscall.Signal) {
	if process == nil {
		return
	}
	if err := syscall.Kill(-process.Pid, sig); err != nil {
		_ = process.Signal(sig)
	}
}
