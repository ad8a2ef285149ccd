//go:build !unix

package core

import (
	"os"
	"os/exec"
)

func startInGroup(cmd *exec.Cmd) {}

// Without signals termination is immediate.
func terminateProcess(process *os.Process) {
	killProcess(process)
}

func killProcess(process *os.Process) {
	if process != nil {
		_ = process.Kill()
	}
}
