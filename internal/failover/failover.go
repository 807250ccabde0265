// Package failover decides what happens after a worker dies from a rate
// limit or an authentication failure: automatic credential-profile swap
// with a deferred relaunch, or a surfaced prompt for the user.
package failover

import (
	"fmt"
	"sync"
	"time"

	"github.com/veletrix/warden/internal/classify"
	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/debug"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/ratelimit"
)

// Outcome reports how a classified failure was resolved.
type Outcome string

const (
	// OutcomeAutoSwapped means the active profile changed and a relaunch
	// is scheduled.
	OutcomeAutoSwapped Outcome = "auto-swapped"
	// OutcomeManualPrompt means a rate limit was surfaced for the user
	// to resolve.
	OutcomeManualPrompt Outcome = "manual-prompt"
	// OutcomeAuthPrompt means an auth failure was surfaced with
	// remediation guidance.
	OutcomeAuthPrompt Outcome = "auth-prompt"
	// OutcomeUnhandled means the classification matched nothing.
	OutcomeUnhandled Outcome = "unhandled"
)

// SwapReasonReactive marks a swap performed in direct response to a
// detected rate limit, as opposed to any future proactive policy.
const SwapReasonReactive = "reactive"

// RestartFunc relaunches a task under a new profile. Called from a timer
// goroutine after the restart delay elapses.
type RestartFunc func(taskKey, profile string)

// taskState tracks per-task swap budget and any pending relaunch.
type taskState struct {
	restartable bool
	swapCount   int
	timer       *time.Timer
}

// Controller implements the recovery policy.
type Controller struct {
	cfg     *config.Config
	tracker *ratelimit.Tracker
	bus     *events.Bus
	restart RestartFunc

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New builds a Controller. restart may be nil when the caller never
// enables automatic failover.
func New(cfg *config.Config, tracker *ratelimit.Tracker, bus *events.Bus, restart RestartFunc) *Controller {
	return &Controller{
		cfg:     cfg,
		tracker: tracker,
		bus:     bus,
		restart: restart,
		tasks:   make(map[string]*taskState),
	}
}

// Track registers a task before its first spawn. Restartable tasks are
// eligible for swap-and-restart; others always degrade to a prompt.
func (c *Controller) Track(taskKey string, restartable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskKey]; ok {
		st.restartable = restartable
		return
	}
	c.tasks[taskKey] = &taskState{restartable: restartable}
}

// Forget drops a task's swap budget and cancels any pending relaunch.
func (c *Controller) Forget(taskKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskKey]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.tasks, taskKey)
	}
}

// CancelRestart stops a pending relaunch for the task. Returns whether
// one was pending. A kill that lands during the restart delay must win.
func (c *Controller) CancelRestart(taskKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tasks[taskKey]
	if !ok || st.timer == nil {
		return false
	}
	stopped := st.timer.Stop()
	st.timer = nil
	return stopped
}

// SwapCount reports how many automatic swaps the task has consumed.
func (c *Controller) SwapCount(taskKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskKey]; ok {
		return st.swapCount
	}
	return 0
}

// HandleFailure resolves a classified worker death. profile is the
// credential profile the dead worker ran under.
func (c *Controller) HandleFailure(taskKey, profile string, cls classify.Classification) Outcome {
	if cls.RateLimit != nil {
		return c.handleRateLimit(taskKey, profile, cls.RateLimit)
	}
	if cls.AuthFailure != nil {
		return c.handleAuthFailure(taskKey, profile, cls.AuthFailure)
	}
	return OutcomeUnhandled
}

func (c *Controller) handleRateLimit(taskKey, profile string, det *classify.RateLimitDetection) Outcome {
	c.mu.Lock()
	st, ok := c.tasks[taskKey]
	if !ok {
		st = &taskState{}
		c.tasks[taskKey] = st
	}

	maxSwaps := c.cfg.Failover.MaxSwapsOrDefault()
	alternate, found := "", false
	if c.cfg.Failover.Auto && st.restartable && st.swapCount < maxSwaps {
		alternate, found = c.tracker.BestAlternate(profile)
	}

	if !found {
		reason := "automatic failover disabled"
		switch {
		case !c.cfg.Failover.Auto:
		case !st.restartable:
			reason = "task is not restartable"
		case st.swapCount >= maxSwaps:
			reason = fmt.Sprintf("swap limit of %d reached", maxSwaps)
		default:
			reason = "no alternate profile available"
		}
		c.mu.Unlock()
		debug.Logf("failover", "%s rate limited on %q, prompting (%s)", taskKey, profile, reason)
		c.bus.Publish(events.RateLimitMsg{
			TaskKey:          taskKey,
			Profile:          profile,
			LimitType:        det.LimitType,
			ResetTime:        det.ResetTime,
			WasAutoSwapped:   false,
			Message:          reason,
			SuggestedProfile: det.SuggestedProfile,
			DetectedAt:       det.DetectedAt,
		})
		return OutcomeManualPrompt
	}

	st.swapCount++
	swaps := st.swapCount
	delay := c.cfg.Failover.RestartDelayOrDefault()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if cur, ok := c.tasks[taskKey]; ok {
			cur.timer = nil
		}
		c.mu.Unlock()
		if c.restart != nil {
			c.restart(taskKey, alternate)
		}
	})
	c.mu.Unlock()

	if err := c.cfg.SetActive(alternate); err == nil {
		if err := c.cfg.Save(); err != nil {
			debug.Logf("failover", "save config after swap: %v", err)
		}
	}

	debug.Logf("failover", "%s swapping %q -> %q (swap %d/%d)", taskKey, profile, alternate, swaps, c.cfg.Failover.MaxSwapsOrDefault())
	c.bus.Publish(events.RateLimitMsg{
		TaskKey:        taskKey,
		Profile:        profile,
		LimitType:      det.LimitType,
		ResetTime:      det.ResetTime,
		WasAutoSwapped: true,
		SwapReason:     SwapReasonReactive,
		Message:        fmt.Sprintf("profile %q rate limited, switched to %q", profile, alternate),
		NewProfile:     alternate,
		DetectedAt:     det.DetectedAt,
	})
	return OutcomeAutoSwapped
}

func (c *Controller) handleAuthFailure(taskKey, profile string, det *classify.AuthFailureDetection) Outcome {
	debug.Logf("failover", "%s auth failure (%s) on %q", taskKey, det.FailureType, profile)
	c.bus.Publish(events.AuthFailureMsg{
		TaskKey:     taskKey,
		Profile:     profile,
		FailureType: det.FailureType,
		Message:     det.Indicator,
		Remediation: remediation(det.FailureType, profile),
	})
	return OutcomeAuthPrompt
}

func remediation(ft, profile string) string {
	switch ft {
	case classify.AuthMissing:
		return fmt.Sprintf("No credentials found for profile %q. Sign in or add a token to the profile.", profile)
	case classify.AuthExpired:
		return fmt.Sprintf("Credentials for profile %q have expired. Re-authenticate to continue.", profile)
	case classify.AuthInvalid:
		return fmt.Sprintf("Credentials for profile %q were rejected. Check the token or config directory.", profile)
	default:
		return fmt.Sprintf("Authentication failed for profile %q. Check the worker log for details.", profile)
	}
}

// Close cancels every pending relaunch.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.tasks {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
