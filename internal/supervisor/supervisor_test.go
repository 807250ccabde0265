package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/envcomp"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/launch"
	"github.com/veletrix/warden/internal/progress"
	"github.com/veletrix/warden/internal/ratelimit"
)

type fakeHandle struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter
	done chan launch.ExitStatus

	mu     sync.Mutex
	killed bool
	exited bool
}

func newFakeHandle(pid int) *fakeHandle {
	h := &fakeHandle{pid: pid, done: make(chan launch.ExitStatus, 1)}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	return h
}

func (h *fakeHandle) PID() int { return h.pid }
func (h *fakeHandle) Stdout() io.Reader { return h.outR }
func (h *fakeHandle) Stderr() io.Reader { return h.errR }
// Signal records the termination request like Kill; the fake does not
// distinguish graceful from forced.
func (h *fakeHandle) Signal(os.Signal) error { return h.Kill() }
func (h *fakeHandle) Done() <-chan launch.ExitStatus { return h.done }

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// exit simulates the OS reporting process termination.
func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.mu.Unlock()
	h.outW.Close()
	h.errW.Close()
	h.done <- launch.ExitStatus{Code: code}
	close(h.done)
}

func (h *fakeHandle) write(t *testing.T, s string) {
	t.Helper()
	if _, err := h.outW.Write([]byte(s)); err != nil {
		t.Fatalf("write to fake stdout: %v", err)
	}
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	specs   []launch.Spec
	err     error
}

func (l *fakeLauncher) Launch(_ context.Context, spec launch.Spec) (launch.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle(1000 + len(l.handles))
	l.handles = append(l.handles, h)
	l.specs = append(l.specs, spec)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// handle waits for the i-th launch to happen.
func (l *fakeLauncher) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.handles) > i {
			h := l.handles[i]
			l.mu.Unlock()
			return h
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("launch %d never happened", i)
	return nil
}

func (l *fakeLauncher) spec(t *testing.T, i int) launch.Spec {
	t.Helper()
	l.handle(t, i)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

func newTestSupervisor(t *testing.T, auto bool) (*Supervisor, *fakeLauncher, <-chan events.Msg) {
	t.Helper()
	t.Setenv(config.EnvHome, t.TempDir())
	cfg := &config.Config{
		ActiveProfile: "a",
		Profiles: []config.Profile{
			{Name: "a", Token: "tok-a"},
			{Name: "b", Token: "tok-b"},
		},
		Failover: config.Failover{Auto: auto, RestartDelay: 10 * time.Millisecond},
	}
	launcher := &fakeLauncher{}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe(256)
	t.Cleanup(cancel)
	s := New(cfg, launcher, bus, ratelimit.New(""))
	return s, launcher, ch
}

// waitMsg receives until a message of type T arrives.
func waitMsg[T events.Msg](t *testing.T, ch <-chan events.Msg) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if v, match := m.(T); match {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// assertNoMsg fails if a message of type T arrives within the window.
func assertNoMsg[T events.Msg](t *testing.T, ch <-chan events.Msg, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			if _, match := m.(T); match {
				t.Fatalf("unexpected %T: %+v", m, m)
			}
		case <-deadline:
			return
		}
	}
}

func TestStartStreamsProgressAndExit(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "hello\n__EXEC_PHASE__:planning\n")
	log := waitMsg[events.LogMsg](t, ch)
	if log.TaskKey != "t1" || log.Line != "hello" {
		t.Fatalf("unexpected log: %+v", log)
	}
	up := waitMsg[events.ProgressMsg](t, ch)
	if up.Progress.Phase != progress.PhasePlanning || up.Progress.SequenceNumber != 1 {
		t.Fatalf("unexpected progress: %+v", up.Progress)
	}

	h.write(t, "__EXEC_PHASE__:coding\n")
	up2 := waitMsg[events.ProgressMsg](t, ch)
	if up2.Progress.Phase != progress.PhaseCoding || up2.Progress.SequenceNumber <= up.Progress.SequenceNumber {
		t.Fatalf("sequence not increasing: %+v then %+v", up.Progress, up2.Progress)
	}

	h.exit(0)
	exit := waitMsg[events.ExitMsg](t, ch)
	if exit.Code != 0 || exit.WorkerClass != events.ClassTaskExec {
		t.Fatalf("unexpected exit: %+v", exit)
	}
	if keys := s.ActiveKeys(); len(keys) != 0 {
		t.Fatalf("registry not empty: %v", keys)
	}
}

func TestMarkerSplitAcrossChunks(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "__EXE")
	h.write(t, "C_PHASE__:coding\n")

	up := waitMsg[events.ProgressMsg](t, ch)
	if up.Progress.Phase != progress.PhaseCoding {
		t.Fatalf("phase = %s", up.Progress.Phase)
	}
	h.exit(0)
	waitMsg[events.ExitMsg](t, ch)
	assertNoMsg[events.ProgressMsg](t, ch, 100*time.Millisecond)
}

func TestResidualLineFlushedOnExit(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "no trailing newline")
	h.exit(0)

	log := waitMsg[events.LogMsg](t, ch)
	if log.Line != "no trailing newline" {
		t.Fatalf("residual line lost: %+v", log)
	}
	waitMsg[events.ExitMsg](t, ch)
}

func TestKillSuppressesExit(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	if !s.Kill("t1") {
		t.Fatal("Kill should report a live handle")
	}
	if !h.wasKilled() {
		t.Fatal("kill never reached the process")
	}
	if s.Kill("t1") {
		t.Fatal("second Kill should report nothing live")
	}

	h.exit(-1)
	assertNoMsg[events.ExitMsg](t, ch, 200*time.Millisecond)
}

func TestSpawnIDRaceResolution(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := launcher.handle(t, 0)
	s.Kill("t1")

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second := launcher.handle(t, 1)

	// Late exit for the killed spawn must be suppressed.
	first.exit(-1)
	assertNoMsg[events.ExitMsg](t, ch, 150*time.Millisecond)

	// The new spawn's exit is processed normally.
	second.exit(0)
	exit := waitMsg[events.ExitMsg](t, ch)
	if exit.Code != 0 {
		t.Fatalf("unexpected exit: %+v", exit)
	}
}

func TestStartKillsExistingWorker(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := launcher.handle(t, 0)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	launcher.handle(t, 1)

	if !first.wasKilled() {
		t.Fatal("first worker should have been killed before the second spawn")
	}
	if keys := s.ActiveKeys(); len(keys) != 1 {
		t.Fatalf("expected exactly one live worker, got %v", keys)
	}
}

func TestGenericFailureEmitsFailedProgressAndExit(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)

	if err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "__EXEC_PHASE__:coding\nsomething broke\n")
	waitMsg[events.ProgressMsg](t, ch)
	h.exit(7)

	up := waitMsg[events.ProgressMsg](t, ch)
	if up.Progress.Phase != progress.PhaseFailed {
		t.Fatalf("phase = %s", up.Progress.Phase)
	}
	exit := waitMsg[events.ExitMsg](t, ch)
	if exit.Code != 7 {
		t.Fatalf("exit code = %d", exit.Code)
	}
}

func TestRateLimitAutoSwapRestartsUnderNewProfile(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, true)

	req := StartRequest{TaskKey: "t1", Command: "worker", Restartable: true}
	if err := s.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "Limit reached · resets at 6pm\n")
	h.exit(1)

	msg := waitMsg[events.RateLimitMsg](t, ch)
	if !msg.WasAutoSwapped || msg.NewProfile != "b" {
		t.Fatalf("unexpected rate-limit event: %+v", msg)
	}

	spec := launcher.spec(t, 1)
	if spec.Env[envcomp.VarAPIKey] != "tok-b" {
		t.Fatalf("relaunch env uses wrong credentials: %q", spec.Env[envcomp.VarAPIKey])
	}
	if s.SwapCount("t1") != 1 {
		t.Fatalf("swap count = %d", s.SwapCount("t1"))
	}
}

func TestSequenceContinuesAcrossFailoverRestart(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, true)

	req := StartRequest{TaskKey: "t1", Command: "worker", Restartable: true}
	if err := s.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "__EXEC_PHASE__:planning\n__EXEC_PHASE__:coding\n__EXEC_PHASE__:coding\n")
	var last int64
	for i := 0; i < 3; i++ {
		up := waitMsg[events.ProgressMsg](t, ch)
		if up.Progress.SequenceNumber <= last {
			t.Fatalf("sequence not increasing: %d after %d", up.Progress.SequenceNumber, last)
		}
		last = up.Progress.SequenceNumber
	}

	h.write(t, "Limit reached · resets at 6pm\n")
	h.exit(1)
	waitMsg[events.RateLimitMsg](t, ch)

	h2 := launcher.handle(t, 1)
	h2.write(t, "__EXEC_PHASE__:planning\n")
	up := waitMsg[events.ProgressMsg](t, ch)
	if up.Progress.SequenceNumber <= last {
		t.Fatalf("sequence went backwards across restart: %d after %d", up.Progress.SequenceNumber, last)
	}
	h2.exit(0)
	waitMsg[events.ExitMsg](t, ch)
}

func TestKillAllCancelsPendingRelaunch(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, true)
	s.cfg.Failover.RestartDelay = 150 * time.Millisecond

	req := StartRequest{TaskKey: "t1", Command: "worker", Restartable: true}
	if err := s.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	// The worker dies rate-limited, leaving only a pending relaunch timer.
	h.write(t, "Limit reached · resets at 6pm\n")
	h.exit(1)
	waitMsg[events.RateLimitMsg](t, ch)

	s.KillAll()

	time.Sleep(300 * time.Millisecond)
	if launcher.count() != 1 {
		t.Fatalf("relaunch fired after KillAll, got %d launches", launcher.count())
	}
}

func TestAuthFailureEmitsPromptNoRestart(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, true)

	req := StartRequest{TaskKey: "t1", Command: "worker", Restartable: true}
	if err := s.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := launcher.handle(t, 0)

	h.write(t, "401 Unauthorized\n")
	h.exit(1)

	msg := waitMsg[events.AuthFailureMsg](t, ch)
	if msg.FailureType != "invalid" {
		t.Fatalf("failure type = %q", msg.FailureType)
	}
	time.Sleep(50 * time.Millisecond)
	if launcher.count() != 1 {
		t.Fatalf("auth failure must not relaunch, got %d launches", launcher.count())
	}
}

func TestKillAllTimesOutOnStuckProcess(t *testing.T) {
	s, launcher, _ := newTestSupervisor(t, false)
	s.cfg.Failover.KillTimeout = 50 * time.Millisecond

	if err := s.Start(context.Background(), StartRequest{TaskKey: "stuck", Command: "worker"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	launcher.handle(t, 0) // never exits

	start := time.Now()
	s.KillAll()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("KillAll hung for %v", elapsed)
	}
	if keys := s.ActiveKeys(); len(keys) != 0 {
		t.Fatalf("stuck key not released: %v", keys)
	}
}

func TestSpawnErrorEmitsErrorEvent(t *testing.T) {
	s, launcher, ch := newTestSupervisor(t, false)
	launcher.err = errors.New("no such executable")

	err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "missing"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	msg := waitMsg[events.ErrorMsg](t, ch)
	if msg.TaskKey != "t1" {
		t.Fatalf("unexpected error event: %+v", msg)
	}
}

func TestUnknownProfileFailsStart(t *testing.T) {
	s, _, _ := newTestSupervisor(t, false)
	err := s.Start(context.Background(), StartRequest{TaskKey: "t1", Command: "worker", Profile: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
}
