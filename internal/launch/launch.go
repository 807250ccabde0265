// Package launch is the engine's only OS-facing boundary: it turns a spawn
// request into a running child process wrapped in a Handle that exposes
// output streams, termination signals, and a single exit report.
//
// Workers are started in their own process group so that killing a worker
// also kills the grandchildren that Node- and Python-based agent CLIs tend
// to spawn; orphans would otherwise hold pipes open and hang the engine.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/veletrix/warden/internal/debug"
)

// Spec describes one spawn request. Env is the fully composed environment
// (not an overlay); the child sees exactly these variables.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// UsePty runs the worker under a pseudo-terminal. Some agent CLIs
	// buffer or suppress output when stdout is not a terminal; a pty keeps
	// them streaming. In pty mode stdout and stderr arrive merged on the
	// stdout stream.
	UsePty bool
}

// ExitStatus is a worker's final exit report.
type ExitStatus struct {
	Code int
	Err  error // set only for wait failures that are not plain non-zero exits
}

// Handle is the engine's view of a spawned OS process.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Signal requests termination. os.Interrupt maps to SIGTERM on the
	// process group; os.Kill maps to SIGKILL.
	Signal(sig os.Signal) error
	// Kill force-kills the process group.
	Kill() error
	// Done yields exactly one ExitStatus and is then closed.
	Done() <-chan ExitStatus
}

// Launcher turns specs into handles. The supervisor depends on this
// interface; tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ExecLauncher launches real OS processes via os/exec.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait keeps pipes open after context
	// cancellation. Zero means a 5 s default.
	WaitDelay time.Duration
}

// Launch starts the process described by spec. Spawn-time failures
// (missing binary, permission denied) are returned synchronously.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("launch: empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = flattenEnv(spec.Env)

	setupProcessGroup(cmd)
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	if spec.UsePty {
		return launchPty(cmd)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("launch %s: %w", spec.Command, err)
	}

	h := &execHandle{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan ExitStatus, 1),
	}

	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		code, waitErr := extractExitCode(err)
		debug.LogKV("launch", "process exited",
			"command", spec.Command, "pid", h.PID(), "code", code, "err", waitErr)
		h.done <- ExitStatus{Code: code, Err: waitErr}
		close(h.done)
	}()

	debug.LogKV("launch", "process started",
		"command", spec.Command, "pid", h.PID(), "dir", spec.Dir, "pty", false)
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	done   chan ExitStatus
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Signal(sig os.Signal) error {
	return signalGroup(h.cmd, sig)
}

func (h *execHandle) Kill() error {
	return signalGroup(h.cmd, os.Kill)
}

func (h *execHandle) Done() <-chan ExitStatus { return h.done }

// setupProcessGroup starts the command in its own process group so that
// cancellation kills the entire tree.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// signalGroup delivers sig to the whole process group.
func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return errors.New("launch: process not started")
	}
	sysSig := syscall.SIGTERM
	switch sig {
	case os.Kill:
		sysSig = syscall.SIGKILL
	case os.Interrupt:
		sysSig = syscall.SIGTERM
	default:
		if s, ok := sig.(syscall.Signal); ok {
			sysSig = s
		}
	}
	return syscall.Kill(-cmd.Process.Pid, sysSig)
}

// extractExitCode interprets a Wait error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (-1, err) for any other wait failure.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// flattenEnv converts the composed environment map into the KEY=VALUE slice
// os/exec expects, in stable order.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
