package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Handshake file names inside the state directory.
const (
	PortFile = "sidecar.port"
	PIDFile  = "sidecar.pid"
)

// ErrNoHandshake is returned when either handshake file is missing or empty.
var ErrNoHandshake = errors.New("no sidecar handshake")

// Handshake is the port and pid a running worker advertises.
type Handshake struct {
	Port int
	PID  int
}

// WriteHandshake publishes the worker's pid and port. The pid file is written
// first because the port file doubles as the readiness signal.
func WriteHandshake(dir string, port, pid int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure handshake dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, PIDFile), strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, PortFile), strconv.Itoa(port)); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	return nil
}

// ReadHandshake loads both handshake files.
func ReadHandshake(dir string) (Handshake, error) {
	port, err := readInt(filepath.Join(dir, PortFile))
	if err != nil {
		return Handshake{}, err
	}
	pid, err := readInt(filepath.Join(dir, PIDFile))
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{Port: port, PID: pid}, nil
}

// RemoveHandshake deletes both files. Missing files are not an error.
func RemoveHandshake(dir string) error {
	var errs []error
	for _, name := range []string{PortFile, PIDFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoHandshake
		}
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, ErrNoHandshake
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("parse %s: invalid value %q", filepath.Base(path), s)
	}
	return n, nil
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
