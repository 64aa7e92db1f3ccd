//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SendTermination delivers SIGTERM to the process group led by proc
func SendTermination(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

// ForceKill delivers SIGKILL to the process group led by proc
func ForceKill(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}

func signalGroup(proc *os.Process, sig unix.Signal) error {
	if proc == nil {
		return nil
	}

	err := unix.Kill(-proc.Pid, sig)
	switch err {
	case nil, unix.ESRCH:
		return nil
	case unix.EPERM:
		// Group already gone or not ours; signal the leader alone
		if sigErr := proc.Signal(sig); sigErr != nil && sigErr != os.ErrProcessDone {
			return sigErr
		}
		return nil
	default:
		return err
	}
}

// ExitCode reports the exit status of a reaped process. A process ended by a
// signal reports the negated signal number.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
