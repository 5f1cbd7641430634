// SPDX-License-Identifier: MIT

//go:build !unix

package procutil

import (
	"os/exec"
	"syscall"
)

func setpgid(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// No process groups on this platform; signal the process directly.
	return cmd.Process.Signal(sig)
}
