//go:build unix

package googmw

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

type ptyTerminal struct {
	*os.File
	cmd *exec.Cmd
}

func startTerminal(cmd *exec.Cmd, cols, rows uint16) (terminal, error) {
	// pty starts cmd in its own session, so its pid is the process group id.
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &ptyTerminal{File: f, cmd: cmd}, nil
}

func (t *ptyTerminal) Resize(cols, rows uint16) error {
	return pty.Setsize(t.File, &pty.Winsize{Cols: cols, Rows: rows})
}

func (t *ptyTerminal) Kill() {
	if err := unix.Kill(-t.cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (t *ptyTerminal) Wait() error { return t.cmd.Wait() }

func (t *ptyTerminal) Pid() int { return t.cmd.Process.Pid }
