// Package events defines the typed messages the supervision engine emits to
// its caller (the desktop shell), plus a small broadcast bus with buffered,
// non-blocking delivery.
package events

import (
	"time"

	"github.com/veletrix/warden/internal/progress"
)

// WorkerClass distinguishes task-execution workers from background
// generation jobs.
type WorkerClass string

const (
	ClassTaskExec      WorkerClass = "task-exec"
	ClassBackgroundJob WorkerClass = "background-job"
)

// Msg is implemented by every event message published on the Bus.
type Msg interface {
	// Kind returns a stable wire name for the event, used by the bridge
	// when serializing envelopes.
	Kind() string
}

// LogMsg carries one complete output line from a worker.
type LogMsg struct {
	TaskKey string `json:"task_key"`
	Stream  string `json:"stream"` // "stdout" or "stderr"
	Line    string `json:"line"`
}

func (LogMsg) Kind() string { return "log" }

// ProgressMsg carries a parsed execution-progress snapshot.
type ProgressMsg struct {
	TaskKey  string                     `json:"task_key"`
	Progress progress.ExecutionProgress `json:"progress"`
}

func (ProgressMsg) Kind() string { return "execution-progress" }

// ExitMsg signals that a worker exited and the exit was not suppressed as
// an intentional kill.
type ExitMsg struct {
	TaskKey     string      `json:"task_key"`
	Code        int         `json:"code"`
	WorkerClass WorkerClass `json:"worker_class"`
}

func (ExitMsg) Kind() string { return "exit" }

// ErrorMsg signals a spawn-time error (binary missing, permission denied).
type ErrorMsg struct {
	TaskKey string `json:"task_key"`
	Message string `json:"message"`
}

func (ErrorMsg) Kind() string { return "error" }

// RateLimitMsg carries a resolved rate-limit outcome: either an automatic
// profile swap that already happened, or a manual prompt for the user.
type RateLimitMsg struct {
	TaskKey   string `json:"task_key"`
	Profile   string `json:"profile"` // the limited profile
	LimitType string `json:"limit_type"`
	ResetTime string `json:"reset_time,omitempty"`
	// WasAutoSwapped with SwapReason "reactive" marks an automatic swap
	// already performed in response to this detection.
	WasAutoSwapped bool   `json:"was_auto_swapped"`
	SwapReason     string `json:"swap_reason,omitempty"`
	// Message is the human-readable account of what happened or why no
	// swap was performed.
	Message          string    `json:"message,omitempty"`
	NewProfile       string    `json:"new_profile,omitempty"`
	SuggestedProfile string    `json:"suggested_profile,omitempty"`
	DetectedAt       time.Time `json:"detected_at"`
}

func (RateLimitMsg) Kind() string { return "rate-limit" }

// AuthFailureMsg signals an authentication failure requiring out-of-band
// user action. Never followed by an automatic restart.
type AuthFailureMsg struct {
	TaskKey     string `json:"task_key"`
	Profile     string `json:"profile,omitempty"`
	FailureType string `json:"failure_type"` // missing, expired, invalid, unknown
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
}

func (AuthFailureMsg) Kind() string { return "auth-failure" }

// ItemCompleteMsg signals that a background generation job finished one
// category of generated items.
type ItemCompleteMsg struct {
	ProjectID string `json:"project_id"`
	JobClass  string `json:"job_class"`
	Label     string `json:"label"`
}

func (ItemCompleteMsg) Kind() string { return "item-complete" }

// JobDoneMsg signals that a background generation job finished overall.
type JobDoneMsg struct {
	ProjectID  string `json:"project_id"`
	JobClass   string `json:"job_class"`
	Code       int    `json:"code"`
	ResultPath string `json:"result_path,omitempty"`
}

func (JobDoneMsg) Kind() string { return "job-done" }
