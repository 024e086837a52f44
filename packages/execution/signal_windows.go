//go:build windows

package execution

import "os"

// Windows has no job-control signals; pause and resume only move the status.
func signalPause(Process) error {
	return ErrSignalUnsupported
}

func signalResume(Process) error {
	return ErrSignalUnsupported
}

func signalTerminate(p Process) error {
	return p.Signal(os.Kill)
}

func signalKill(p Process) error {
	return p.Signal(os.Kill)
}
