// Package queue runs background generation jobs, one live job per project
// per job class. Different classes may run concurrently for a project;
// starting a job of the same class replaces the prior one.
package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/veletrix/warden/internal/debug"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/supervisor"
)

// JobRequest describes one background generation job.
type JobRequest struct {
	ProjectID string
	JobClass  string
	Command   string
	Args      []string
	Dir       string
	Profile   string
	// ResultPath is the file the worker writes its output to; loaded on
	// successful completion.
	ResultPath  string
	Restartable bool
	ExtraEnv    map[string]string
}

// LoadFunc ingests a completed job's result file.
type LoadFunc func(projectID, jobClass, resultPath string) error

// Manager specializes the supervisor for project-keyed jobs.
type Manager struct {
	sup  *supervisor.Supervisor
	bus  *events.Bus
	load LoadFunc
}

// New builds a Manager. load may be nil when results need no ingestion.
func New(sup *supervisor.Supervisor, bus *events.Bus, load LoadFunc) *Manager {
	return &Manager{sup: sup, bus: bus, load: load}
}

// Key builds the supervisor task key for a project/class pair.
func Key(projectID, jobClass string) string {
	return projectID + "/" + jobClass
}

// Start launches a job. A live job of the same class for the project is
// killed first; other classes are untouched.
func (m *Manager) Start(ctx context.Context, req JobRequest) error {
	if req.ProjectID == "" || req.JobClass == "" {
		return fmt.Errorf("queue: project id and job class are required")
	}

	projectID, jobClass := req.ProjectID, req.JobClass
	resultPath := req.ResultPath
	return m.sup.Start(ctx, supervisor.StartRequest{
		TaskKey:        Key(projectID, jobClass),
		Command:        req.Command,
		Args:           req.Args,
		Dir:            req.Dir,
		Class:          events.ClassBackgroundJob,
		Profile:        req.Profile,
		Restartable:    req.Restartable,
		RecognizeItems: true,
		ExtraEnv:       req.ExtraEnv,
		OnItem: func(label string) {
			m.bus.Publish(events.ItemCompleteMsg{
				ProjectID: projectID,
				JobClass:  jobClass,
				Label:     label,
			})
		},
		OnSuccess: func() {
			if m.load != nil && resultPath != "" {
				if err := m.load(projectID, jobClass, resultPath); err != nil {
					debug.Logf("queue", "load result for %s/%s: %v", projectID, jobClass, err)
					m.bus.Publish(events.ErrorMsg{
						TaskKey: Key(projectID, jobClass),
						Message: fmt.Sprintf("load result: %v", err),
					})
					return
				}
			}
			m.bus.Publish(events.JobDoneMsg{
				ProjectID:  projectID,
				JobClass:   jobClass,
				Code:       0,
				ResultPath: resultPath,
			})
		},
	})
}

// Kill stops the live job of one class for a project.
func (m *Manager) Kill(projectID, jobClass string) bool {
	return m.sup.Stop(Key(projectID, jobClass))
}

// KillProject stops every live job for the project, returning how many
// were killed.
func (m *Manager) KillProject(projectID string) int {
	killed := 0
	for _, class := range m.ActiveClasses(projectID) {
		if m.Kill(projectID, class) {
			killed++
		}
	}
	return killed
}

// ActiveClasses lists job classes currently live for the project.
func (m *Manager) ActiveClasses(projectID string) []string {
	prefix := projectID + "/"
	var classes []string
	for _, key := range m.sup.ActiveKeys() {
		if strings.HasPrefix(key, prefix) {
			classes = append(classes, strings.TrimPrefix(key, prefix))
		}
	}
	return classes
}
