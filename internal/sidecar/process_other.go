//go:build !unix

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
	process.Release()
	return true
}

func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

func detachAttr() *syscall.SysProcAttr {
	return nil
}
