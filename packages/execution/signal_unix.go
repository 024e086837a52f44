//go:build !windows

package execution

import (
	"os"
	"syscall"
)

func signalPause(p Process) error {
	return p.Signal(syscall.SIGSTOP)
}

func signalResume(p Process) error {
	return p.Signal(syscall.SIGCONT)
}

func signalTerminate(p Process) error {
	return p.Signal(syscall.SIGTERM)
}

func signalKill(p Process) error {
	return p.Signal(os.Kill)
}
