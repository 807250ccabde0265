// Package supervisor orchestrates worker lifecycles: it launches workers,
// streams their output through the phase parser, resolves kill/exit races
// via the spawn registry, and routes failures through classification and
// failover.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/veletrix/warden/internal/classify"
	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/debug"
	"github.com/veletrix/warden/internal/detect"
	"github.com/veletrix/warden/internal/envcomp"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/failover"
	"github.com/veletrix/warden/internal/launch"
	"github.com/veletrix/warden/internal/progress"
	"github.com/veletrix/warden/internal/ratelimit"
	"github.com/veletrix/warden/internal/registry"
)

// StartRequest describes one worker launch. The request is retained so a
// failover-triggered restart can re-invoke it under a new profile.
type StartRequest struct {
	TaskKey string
	Command string
	Args    []string
	Dir     string
	Class   events.WorkerClass
	// Profile names the credential profile; empty means the active one.
	Profile string
	// Restartable marks the task eligible for auto swap-and-restart.
	Restartable bool
	UsePty      bool
	// RecognizeItems enables per-item completion markers in the parser.
	RecognizeItems bool
	// ExtraEnv is the highest-precedence environment layer for this call.
	ExtraEnv map[string]string
	// OnItem is invoked for each recognized item-completion marker.
	OnItem func(label string)
	// OnSuccess is invoked after a zero exit, before the exit event.
	OnSuccess func()
}

// taskRecord is the in-memory per-task state kept between spawns.
type taskRecord struct {
	req     StartRequest
	profile string // effective profile name for the live spawn
	baseCtx context.Context
	// lastSeq is the highest progress sequence number published for the
	// task, carried into replacement spawns so sequences never go
	// backwards across a failover restart. Guarded by Supervisor.mu.
	lastSeq int64
}

// Supervisor owns the registry, classifier, and failover controller.
// All collaborators are instance state, never package globals, so
// independent supervisors (such as in tests) share nothing.
type Supervisor struct {
	cfg        *config.Config
	launcher   launch.Launcher
	bus        *events.Bus
	tracker    *ratelimit.Tracker
	reg        *registry.Registry
	classifier *classify.Classifier
	failover   *failover.Controller

	mu    sync.Mutex
	tasks map[string]*taskRecord
	wg    sync.WaitGroup
}

// New wires a supervisor from its collaborators. launcher may be any
// Launcher implementation; tests substitute a fake.
func New(cfg *config.Config, launcher launch.Launcher, bus *events.Bus, tracker *ratelimit.Tracker) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		bus:      bus,
		tracker:  tracker,
		reg:      registry.New(),
		tasks:    make(map[string]*taskRecord),
	}
	s.classifier = classify.New(tracker)
	s.failover = failover.New(cfg, tracker, bus, s.handleRestart)
	tracker.SetCandidates(cfg.ProfileNames())
	return s
}

// Registry exposes the spawn registry for status surfaces.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Start launches a worker for the request's task key. Any live worker for
// the same key is killed first, so at most one handle exists per key.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) error {
	if req.TaskKey == "" {
		return fmt.Errorf("start: empty task key")
	}
	if req.Class == "" {
		req.Class = events.ClassTaskExec
	}

	s.Kill(req.TaskKey)

	s.mu.Lock()
	profileName := req.Profile
	var prof config.Profile
	if profileName != "" {
		p, ok := s.cfg.FindProfile(profileName)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("start %s: profile %q not found", req.TaskKey, profileName)
		}
		prof = *p
	} else if p, ok := s.cfg.Active(); ok {
		prof = *p
		profileName = p.Name
	}

	env := s.composeEnv(req, prof)
	rec := &taskRecord{req: req, profile: profileName, baseCtx: ctx}
	if prev, ok := s.tasks[req.TaskKey]; ok {
		rec.lastSeq = prev.lastSeq
	}
	s.tasks[req.TaskKey] = rec
	s.mu.Unlock()

	s.failover.Track(req.TaskKey, req.Restartable)

	handle, err := s.launcher.Launch(ctx, launch.Spec{
		Command: req.Command,
		Args:    req.Args,
		Dir:     req.Dir,
		Env:     env,
		UsePty:  req.UsePty,
	})
	if err != nil {
		s.bus.Publish(events.ErrorMsg{TaskKey: req.TaskKey, Message: fmt.Sprintf("spawn failed: %v", err)})
		return fmt.Errorf("start %s: %w", req.TaskKey, err)
	}

	// Register before consuming any handle events so an exit can never
	// outrun the registry entry.
	w := s.reg.Register(req.TaskKey, req.Class, handle)
	debug.LogKV("supervisor", "worker started", "task", req.TaskKey, "spawn", w.SpawnID, "pid", handle.PID(), "profile", profileName)

	parser := progress.NewParser(progress.Options{
		RecognizeItems:  req.RecognizeItems,
		InitialSequence: rec.lastSeq,
	})
	acc := newOutputWindow(classify.TrailingWindow)

	s.wg.Add(1)
	go s.runWorker(w, rec, parser, acc)
	return nil
}

// composeEnv builds the spawn environment. Layers go through
// ComposeProviders so a broken source (an unreadable project file, say)
// degrades to an empty layer instead of aborting the spawn.
func (s *Supervisor) composeEnv(req StartRequest, prof config.Profile) map[string]string {
	base := envcomp.FromOS()
	project, projectErr := config.LoadProject(req.Dir)
	if project == nil {
		project = &config.Project{}
	}
	return envcomp.ComposeProviders(base,
		func() (envcomp.Layer, error) {
			return envcomp.ToolPathLayer(detect.ToolDirs(), base[envcomp.VarPath]), nil
		},
		func() (envcomp.Layer, error) {
			return envcomp.RuntimeLayer(s.cfg.RuntimePath, project.ImportPath, base[envcomp.VarPythonPath]), nil
		},
		func() (envcomp.Layer, error) {
			return envcomp.DebugLayer("worker-" + req.TaskKey), nil
		},
		func() (envcomp.Layer, error) {
			if projectErr != nil {
				return envcomp.Layer{Name: "project"}, projectErr
			}
			return envcomp.ProjectLayer(project.Env), nil
		},
		func() (envcomp.Layer, error) {
			return envcomp.CredentialLayer(prof), nil
		},
		func() (envcomp.Layer, error) {
			return envcomp.Layer{Name: "call", Set: req.ExtraEnv}, nil
		},
	)
}

// runWorker pumps both output streams and drives the exit pipeline.
func (s *Supervisor) runWorker(w *registry.Worker, rec *taskRecord, parser *progress.Parser, acc *outputWindow) {
	defer s.wg.Done()

	var pumps sync.WaitGroup
	pump := func(stream string, r io.Reader) {
		defer pumps.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				s.publishFeed(w, rec, parser.Feed(stream, buf[:n]), stream)
			}
			if err != nil {
				return
			}
		}
	}
	pumps.Add(2)
	go pump("stdout", w.Handle.Stdout())
	go pump("stderr", w.Handle.Stderr())

	status := <-w.Handle.Done()
	pumps.Wait()

	// Residual partial lines are flushed before the exit is reported.
	s.publishFeed(w, rec, parser.Flush(), "stdout")
	s.handleExit(w, rec, parser, acc, status)
}

func (s *Supervisor) publishFeed(w *registry.Worker, rec *taskRecord, res progress.FeedResult, stream string) {
	for _, line := range res.Lines {
		s.bus.Publish(events.LogMsg{TaskKey: w.TaskKey, Stream: stream, Line: line})
	}
	for _, up := range res.Updates {
		s.mu.Lock()
		if up.SequenceNumber > rec.lastSeq {
			rec.lastSeq = up.SequenceNumber
		}
		s.mu.Unlock()
		s.bus.Publish(events.ProgressMsg{TaskKey: w.TaskKey, Progress: up})
	}
	for _, label := range res.Items {
		if rec.req.OnItem != nil {
			rec.req.OnItem(label)
		}
	}
}

func (s *Supervisor) handleExit(w *registry.Worker, rec *taskRecord, parser *progress.Parser, acc *outputWindow, status launch.ExitStatus) {
	if s.reg.ConsumeKilled(w.SpawnID) {
		debug.LogKV("supervisor", "suppressed killed exit", "task", w.TaskKey, "spawn", w.SpawnID)
		s.reg.DeleteSpawn(w.TaskKey, w.SpawnID)
		return
	}
	s.reg.DeleteSpawn(w.TaskKey, w.SpawnID)

	if status.Code == 0 {
		s.tracker.RecordSuccess(rec.profile)
		s.failover.Forget(w.TaskKey)
		s.forgetTask(w.TaskKey)
		if rec.req.OnSuccess != nil {
			rec.req.OnSuccess()
		}
		s.bus.Publish(events.ExitMsg{TaskKey: w.TaskKey, Code: 0, WorkerClass: w.Class})
		return
	}

	debug.LogKV("supervisor", "worker failed", "task", w.TaskKey, "spawn", w.SpawnID, "code", status.Code)
	cls := s.classifier.Classify(acc.String(), rec.profile)
	switch s.failover.HandleFailure(w.TaskKey, rec.profile, cls) {
	case failover.OutcomeUnhandled:
		up := parser.Fail(fmt.Sprintf("worker exited with code %d", status.Code))
		s.bus.Publish(events.ProgressMsg{TaskKey: w.TaskKey, Progress: up})
		s.bus.Publish(events.ExitMsg{TaskKey: w.TaskKey, Code: status.Code, WorkerClass: w.Class})
	case failover.OutcomeAuthPrompt, failover.OutcomeManualPrompt:
		// Surfaced as structured notifications; the worker stays dead.
	case failover.OutcomeAutoSwapped:
		// A relaunch is scheduled; keep the task record for it.
	}
}

// handleRestart is the failover controller's relaunch hook. It re-invokes
// Start with the stored request under the new profile. The task record is
// re-validated because the task may have been torn down during the delay.
func (s *Supervisor) handleRestart(taskKey, profile string) {
	s.mu.Lock()
	rec, ok := s.tasks[taskKey]
	s.mu.Unlock()
	if !ok {
		debug.LogKV("supervisor", "restart skipped, task gone", "task", taskKey)
		return
	}
	req := rec.req
	req.Profile = profile
	if err := s.Start(rec.baseCtx, req); err != nil {
		debug.Logf("supervisor", "restart %s: %v", taskKey, err)
	}
}

// Kill terminates the live worker for the task key, if any. The current
// spawn id is marked killed first so the resulting exit is suppressed.
// Any pending failover relaunch is cancelled too. Returns whether a live
// handle existed.
func (s *Supervisor) Kill(taskKey string) bool {
	s.failover.CancelRestart(taskKey)

	w, ok := s.reg.Get(taskKey)
	if !ok {
		return false
	}
	s.reg.MarkKilled(w.SpawnID)
	if err := w.Handle.Signal(os.Interrupt); err != nil {
		debug.Logf("supervisor", "kill %s: %v", taskKey, err)
	}
	// Escalate to SIGKILL if the worker ignores graceful termination.
	// The exit is already marked suppressed, so racing runWorker for the
	// Done value is harmless.
	go func() {
		select {
		case <-w.Handle.Done():
		case <-time.After(s.cfg.Failover.KillTimeoutOrDefault()):
			_ = w.Handle.Kill()
		}
	}()
	s.reg.DeleteSpawn(taskKey, w.SpawnID)
	return true
}

// Stop kills the worker and drops its stored task state, disabling any
// future restart for the key.
func (s *Supervisor) Stop(taskKey string) bool {
	had := s.Kill(taskKey)
	s.failover.Forget(taskKey)
	s.forgetTask(taskKey)
	return had
}

func (s *Supervisor) forgetTask(taskKey string) {
	s.mu.Lock()
	delete(s.tasks, taskKey)
	s.mu.Unlock()
}

// KillAll kills every tracked worker concurrently and waits for each to
// report exit, bounded by a per-process timeout so one stuck process
// cannot hang shutdown. Registry entries are released either way.
func (s *Supervisor) KillAll() {
	// Cancel pending relaunches first: a restart timer for an already-dead
	// task could otherwise fire during the wait and leave a live worker
	// behind after KillAll returns.
	s.failover.Close()

	timeout := s.cfg.Failover.KillTimeoutOrDefault()

	var wg sync.WaitGroup
	for _, key := range s.reg.ActiveKeys() {
		w, ok := s.reg.Get(key)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(key string, w *registry.Worker) {
			defer wg.Done()
			s.reg.MarkKilled(w.SpawnID)
			if err := w.Handle.Signal(os.Interrupt); err != nil {
				debug.Logf("supervisor", "killAll %s: %v", key, err)
			}
			select {
			case <-w.Handle.Done():
			case <-time.After(timeout):
				debug.LogKV("supervisor", "killAll timeout", "task", key, "spawn", w.SpawnID)
				_ = w.Handle.Kill()
			}
			s.reg.DeleteSpawn(key, w.SpawnID)
		}(key, w)
	}
	wg.Wait()

	s.mu.Lock()
	s.tasks = make(map[string]*taskRecord)
	s.mu.Unlock()
}

// ActiveKeys lists task keys with a live worker.
func (s *Supervisor) ActiveKeys() []string {
	return s.reg.ActiveKeys()
}

// SwapCount reports consumed auto-swaps for a task.
func (s *Supervisor) SwapCount(taskKey string) int {
	return s.failover.SwapCount(taskKey)
}

// Wait blocks until all worker pipelines have drained. Intended for
// shutdown after KillAll.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
