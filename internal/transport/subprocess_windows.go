//go:build windows

package transport

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
