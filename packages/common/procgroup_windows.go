//go:build windows

package common

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}
