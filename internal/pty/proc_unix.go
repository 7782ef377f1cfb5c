//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

var errPTYUnavailable = errors.New("pseudo-terminal unavailable")

func startPTY(cmd *exec.Cmd, rows, cols uint16) (*os.File, error) {
	ptmx, tty, err := creackpty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPTYUnavailable, err)
	}
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	_ = creackpty.Setsize(ptmx, &creackpty.Winsize{Rows: rows, Cols: cols})

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	err = cmd.Start()
	_ = tty.Close()
	if err != nil {
		_ = ptmx.Close()
		return nil, err
	}
	return ptmx, nil
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

// signalGroup signals the whole process group; both spawn paths make the
// child a group leader so its pid is the group id.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	pid := cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if perr := cmd.Process.Signal(sig); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
		return fmt.Errorf("signal %v to %d: %w", sig, pid, perr)
	}
	return nil
}
