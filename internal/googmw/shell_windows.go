//go:build windows

package googmw

import (
	"os/exec"

	"github.com/aymanbagabas/go-pty"
)

// conTerminal runs the shell under a ConPTY pseudo console.
type conTerminal struct {
	pty.Pty
	cmd *pty.Cmd
}

func startTerminal(cmd *exec.Cmd, cols, rows uint16) (terminal, error) {
	p, err := pty.New()
	if err != nil {
		return nil, err
	}
	if err := p.Resize(int(cols), int(rows)); err != nil {
		p.Close()
		return nil, err
	}

	c := p.Command(cmd.Path, cmd.Args[1:]...)
	c.Env = cmd.Env
	c.Dir = cmd.Dir
	if err := c.Start(); err != nil {
		p.Close()
		return nil, err
	}
	return &conTerminal{Pty: p, cmd: c}, nil
}

func (t *conTerminal) Resize(cols, rows uint16) error {
	return t.Pty.Resize(int(cols), int(rows))
}

func (t *conTerminal) Kill() {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (t *conTerminal) Wait() error { return t.cmd.Wait() }

func (t *conTerminal) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}
