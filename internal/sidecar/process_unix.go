//go:build unix

package sidecar

import (
	"os"
	"syscall"
)

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}

// detachAttr starts the worker in its own session so it outlives the host.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
