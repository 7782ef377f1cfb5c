//go:build windows

package pty

import (
	"errors"
	"os"
	"os/exec"
)

var errPTYUnavailable = errors.New("pseudo-terminal unavailable")

func startPTY(*exec.Cmd, uint16, uint16) (*os.File, error) {
	return nil, errPTYUnavailable
}

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error { return killGroup(cmd) }

func killGroup(cmd *exec.Cmd) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
