// Package progress derives discrete execution phases and monotonic progress
// from a worker's unstructured line-oriented output.
//
// Workers embed marker tokens on their own line (see pkg/protocol):
//
//	__EXEC_PHASE__:coding
//	__PHASE_DONE__:coding
//	__SUBTASK__:refactor storage layer
//	__ITEM_COMPLETE__:personas        (background jobs only)
//
// OS pipes deliver arbitrary byte chunks, so the parser keeps one
// line-reassembly buffer per stream and only interprets complete lines.
package progress

import (
	"strings"
	"sync"

	"github.com/veletrix/warden/internal/debug"
	"github.com/veletrix/warden/pkg/protocol"
)

// Phase is a discrete execution stage reported by a worker.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseQAReview Phase = "qa_review"
	PhaseQAFixing Phase = "qa_fixing"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Marker tokens recognized in worker output, shared with workers via
// pkg/protocol.
const (
	MarkerPhase   = protocol.MarkerPhase
	MarkerDone    = protocol.MarkerDone
	MarkerSubtask = protocol.MarkerSubtask
	MarkerItem    = protocol.MarkerItem
)

// phaseWeights is the fixed contribution of each completable phase to
// overall progress. Terminal phases carry no weight of their own.
var phaseWeights = map[Phase]int{
	PhasePlanning: 20,
	PhaseCoding:   45,
	PhaseQAReview: 20,
	PhaseQAFixing: 15,
}

const (
	entryProgress   = 10 // phaseProgress on entering a phase
	repeatIncrement = 5  // bump per repeated-phase marker line
	repeatCap       = 90 // ceiling without an explicit __PHASE_DONE__
)

// ExecutionProgress is a snapshot of a worker's derived progress state.
//
// SequenceNumber strictly increases per parser so consumers can discard
// duplicate or out-of-order deliveries. CompletedPhases is append-once: a
// phase never disappears from it and never appears twice.
type ExecutionProgress struct {
	Phase           Phase   `json:"phase"`
	PhaseProgress   int     `json:"phase_progress"`   // 0-100
	OverallProgress int     `json:"overall_progress"` // 0-100
	CompletedPhases []Phase `json:"completed_phases"`
	SequenceNumber  int64   `json:"sequence_number"`
	Message         string  `json:"message,omitempty"`
	CurrentSubtask  string  `json:"current_subtask,omitempty"`
}

// FeedResult is everything one Feed (or Flush) call produced: the complete
// log lines, any progress snapshots (one per marker emission), and, when
// item recognition is enabled, item-completion labels.
type FeedResult struct {
	Lines   []string
	Updates []ExecutionProgress
	Items   []string
}

// Options tunes parser behavior per worker class.
type Options struct {
	// RecognizeItems enables __ITEM_COMPLETE__ markers (background jobs).
	RecognizeItems bool
	// InitialSequence seeds the sequence counter; the first emission
	// carries InitialSequence+1. A restarted task seeds its replacement
	// parser with the predecessor's last emitted number so sequence
	// numbers for one task key never go backwards.
	InitialSequence int64
}

// Parser is the per-worker phase state machine. One Parser serves exactly
// one spawn; a restart gets a fresh Parser.
type Parser struct {
	mu        sync.Mutex
	opts      Options
	buffers   map[string]string // stream name -> trailing partial line
	phase     Phase
	phasePct  int
	overall   int
	completed []Phase
	done      map[Phase]bool // membership set for completed
	seq       int64
	subtask   string
	message   string
}

// NewParser creates a parser starting in the idle phase.
func NewParser(opts Options) *Parser {
	return &Parser{
		opts:    opts,
		buffers: make(map[string]string),
		phase:   PhaseIdle,
		done:    make(map[Phase]bool),
		seq:     opts.InitialSequence,
	}
}

// Feed consumes a raw chunk from the named stream ("stdout" or "stderr").
// The chunk is appended to that stream's reassembly buffer, complete lines
// are processed, and the trailing partial line is retained for the next
// chunk.
func (p *Parser) Feed(stream string, chunk []byte) FeedResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	data := p.buffers[stream] + string(chunk)
	var res FeedResult
	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(data[:idx], "\r")
		data = data[idx+1:]
		p.processLine(line, &res)
	}
	p.buffers[stream] = data
	return res
}

// Flush pushes any residual buffered partial lines through the pipeline.
// Called once when the worker exits so no trailing output is lost.
func (p *Parser) Flush() FeedResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res FeedResult
	for stream, rest := range p.buffers {
		if strings.TrimSpace(rest) != "" {
			p.processLine(strings.TrimSuffix(rest, "\r"), &res)
		}
		p.buffers[stream] = ""
	}
	return res
}

// Fail forces the terminal failed phase. Used when the worker dies
// without emitting its own failure marker; overall progress freezes.
func (p *Parser) Fail(message string) ExecutionProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completePrevious()
	p.phase = PhaseFailed
	if message == "" {
		message = "run failed"
	}
	p.message = message
	return p.emitLocked()
}

// Snapshot returns the current progress state without emitting.
func (p *Parser) Snapshot() ExecutionProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Parser) processLine(line string, res *FeedResult) {
	res.Lines = append(res.Lines, line)

	trimmed := strings.TrimSpace(line)

	if p.opts.RecognizeItems {
		if label, ok := markerValue(trimmed, MarkerItem); ok {
			res.Items = append(res.Items, label)
			return
		}
	}

	if text, ok := markerValue(trimmed, MarkerSubtask); ok {
		p.subtask = text
		res.Updates = append(res.Updates, p.emitLocked())
		return
	}

	if name, ok := markerToken(trimmed, MarkerDone); ok {
		if Phase(name) == p.phase && phaseWeights[p.phase] > 0 {
			p.phasePct = 100
			p.recomputeOverall()
			res.Updates = append(res.Updates, p.emitLocked())
		}
		return
	}

	name, ok := markerToken(trimmed, MarkerPhase)
	if !ok {
		return
	}
	next := Phase(name)
	if !knownPhase(next) {
		debug.LogKV("progress", "ignoring unknown phase marker", "phase", name)
		return
	}

	switch {
	case next == p.phase:
		// Re-entering the current phase only bumps the heuristic progress.
		if p.phasePct < repeatCap {
			p.phasePct += repeatIncrement
			if p.phasePct > repeatCap {
				p.phasePct = repeatCap
			}
		}
		p.recomputeOverall()

	case next == PhaseComplete:
		p.completePrevious()
		p.phase = PhaseComplete
		p.phasePct = 100
		p.overall = 100
		p.message = "run complete"

	case next == PhaseFailed:
		// Overall progress freezes at its last value.
		p.completePrevious()
		p.phase = PhaseFailed
		p.message = "run failed"

	default:
		p.completePrevious()
		p.phase = next
		p.phasePct = entryProgress
		p.message = "entered " + string(next)
		p.recomputeOverall()
	}

	res.Updates = append(res.Updates, p.emitLocked())
}

// completePrevious appends the outgoing phase to completedPhases exactly
// once. Terminal and idle phases are never recorded as completed.
func (p *Parser) completePrevious() {
	prev := p.phase
	if prev == PhaseIdle || prev == PhaseComplete || prev == PhaseFailed {
		return
	}
	if p.done[prev] {
		return
	}
	p.done[prev] = true
	p.completed = append(p.completed, prev)
}

func (p *Parser) recomputeOverall() {
	sum := 0
	for _, ph := range p.completed {
		sum += phaseWeights[ph]
	}
	if w := phaseWeights[p.phase]; w > 0 {
		sum += w * p.phasePct / 100
	}
	if sum > 100 {
		sum = 100
	}
	if sum < 0 {
		sum = 0
	}
	p.overall = sum
}

// emitLocked bumps the sequence number and returns a snapshot.
func (p *Parser) emitLocked() ExecutionProgress {
	p.seq++
	return p.snapshotLocked()
}

func (p *Parser) snapshotLocked() ExecutionProgress {
	completed := make([]Phase, len(p.completed))
	copy(completed, p.completed)
	return ExecutionProgress{
		Phase:           p.phase,
		PhaseProgress:   p.phasePct,
		OverallProgress: p.overall,
		CompletedPhases: completed,
		SequenceNumber:  p.seq,
		Message:         p.message,
		CurrentSubtask:  p.subtask,
	}
}

func markerValue(line, marker string) (string, bool) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(line[idx+len(marker):]), true
}

// markerToken extracts a name-valued marker. Markers can sit inside an
// otherwise human-readable line with prose on either side, so the value is
// only the leading run of name characters, not the rest of the line.
func markerToken(line, marker string) (string, bool) {
	rest, ok := markerValue(line, marker)
	if !ok {
		return "", false
	}
	end := 0
	for end < len(rest) {
		c := rest[end]
		if (c < 'a' || c > 'z') && c != '_' {
			break
		}
		end++
	}
	return rest[:end], true
}

func knownPhase(ph Phase) bool {
	switch ph {
	case PhasePlanning, PhaseCoding, PhaseQAReview, PhaseQAFixing, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}
