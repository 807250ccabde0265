// Package protocol defines the interface contract between warden and the
// worker programs it supervises.
//
// Workers communicate execution state in-band: recognizable marker tokens
// embedded in otherwise human-readable log lines. Each marker must appear
// on its own complete line. Workers may emit zero or many markers per run;
// re-emitting a marker is harmless.
package protocol

// Marker tokens recognized in worker output. The value follows the colon
// and runs to the end of the line.
const (
	// MarkerPhase announces a phase transition, e.g.
	// "__EXEC_PHASE__:coding". Valid phases: idle, planning, coding,
	// qa_review, qa_fixing, complete, failed.
	MarkerPhase = "__EXEC_PHASE__:"
	// MarkerDone declares the named phase fully complete, e.g.
	// "__PHASE_DONE__:planning".
	MarkerDone = "__PHASE_DONE__:"
	// MarkerSubtask labels the subtask currently being worked on.
	MarkerSubtask = "__SUBTASK__:"
	// MarkerItem reports one generated item category finished; only
	// recognized for background generation jobs.
	MarkerItem = "__ITEM_COMPLETE__:"
)

// Environment variables a worker can rely on receiving.
const (
	// EnvAPIKey carries the credential token when the active profile is
	// token-based. Mutually exclusive with EnvConfigDir.
	EnvAPIKey = "ANTHROPIC_API_KEY"
	// EnvConfigDir points at the credential config directory when the
	// active profile is directory-based.
	EnvConfigDir = "CLAUDE_CONFIG_DIR"
)

// WorkerInstructions returns a documentation fragment for worker authors
// describing the marker protocol warden expects.
func WorkerInstructions() string {
	return `Your process runs under warden supervision.

## Progress Markers

Print these tokens on their own line (stdout or stderr) to report state:

- ` + "`__EXEC_PHASE__:<phase>`" + ` - entering a phase: planning, coding,
  qa_review, qa_fixing, complete, or failed
- ` + "`__PHASE_DONE__:<phase>`" + ` - the named phase is fully complete
- ` + "`__SUBTASK__:<text>`" + ` - label the subtask you are working on
- ` + "`__ITEM_COMPLETE__:<label>`" + ` - one generated item category is
  finished (background generation jobs only)

## Rules

1. Markers must each occupy one complete line.
2. Output is line-buffered by warden; flush after each marker.
3. Phases should be entered in order; re-entering the current phase
   nudges its progress forward.
4. Exit 0 on success. On failure exit non-zero; warden inspects your
   trailing output to classify rate limits and credential problems.

## Credentials

Exactly one of ` + EnvAPIKey + ` or ` + EnvConfigDir + ` is set,
reflecting the active credential profile. Never cache credentials
between runs; warden may restart you under a different profile.
`
}
