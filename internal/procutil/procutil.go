// SPDX-License-Identifier: MIT

// Package procutil contains helpers for supervising external process trees.
// Workers are started as process-group leaders so that a termination signal
// reaches every child the worker may have spawned.
package procutil

import (
	"os/exec"
	"syscall"
)

// Setpgid configures cmd to start in its own process group. It must be
// called before cmd.Start for SignalGroup to work.
func Setpgid(cmd *exec.Cmd) {
	setpgid(cmd)
}

// SignalGroup delivers sig to the whole process group of cmd. A process
// that has already exited is treated as success.
func SignalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return signalGroup(cmd, sig)
}
