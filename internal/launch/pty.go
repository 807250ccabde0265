package launch

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/veletrix/warden/internal/debug"
)

// launchPty starts cmd under a pseudo-terminal. Stdout and stderr arrive
// merged on the pty master; Stderr() returns an empty stream.
//
// StartWithAttrs is used so the pty library does not add Setsid to the
// process-group attrs; a setsid child becomes its own session leader and
// the setpgid that follows fails with EPERM.
func launchPty(cmd *exec.Cmd) (Handle, error) {
	ptmx, err := pty.StartWithAttrs(cmd, nil, cmd.SysProcAttr)
	if err != nil {
		return nil, fmt.Errorf("launch %s under pty: %w", cmd.Path, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 200})

	h := &ptyHandle{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan ExitStatus, 1),
	}

	go func() {
		err := cmd.Wait()
		ptmx.Close()
		code, waitErr := extractExitCode(err)
		debug.LogKV("launch", "pty process exited",
			"command", cmd.Path, "pid", h.PID(), "code", code, "err", waitErr)
		h.done <- ExitStatus{Code: code, Err: waitErr}
		close(h.done)
	}()

	debug.LogKV("launch", "process started",
		"command", cmd.Path, "pid", h.PID(), "pty", true)
	return h, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan ExitStatus
}

func (h *ptyHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stdout reads the pty master. Reads after process exit report EIO on
// Linux; ptyReader normalizes that to EOF.
func (h *ptyHandle) Stdout() io.Reader { return &ptyReader{f: h.ptmx} }

func (h *ptyHandle) Stderr() io.Reader { return strings.NewReader("") }

func (h *ptyHandle) Signal(sig os.Signal) error { return signalGroup(h.cmd, sig) }
func (h *ptyHandle) Kill() error                { return signalGroup(h.cmd, os.Kill) }
func (h *ptyHandle) Done() <-chan ExitStatus    { return h.done }

// ptyReader wraps the pty master, converting the read error returned after
// the slave side closes into io.EOF so stream pumps terminate cleanly.
type ptyReader struct {
	f *os.File
}

func (r *ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}
