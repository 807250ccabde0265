package supervisor

import "sync"

// outputWindow accumulates combined stdout+stderr bounded to a trailing
// window, keeping failure classification memory-bounded across a worker's
// whole lifetime. Safe for concurrent writers (one per stream pump).
type outputWindow struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newOutputWindow(limit int) *outputWindow {
	return &outputWindow{limit: limit}
}

func (w *outputWindow) Write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = append([]byte(nil), w.buf[len(w.buf)-w.limit:]...)
	}
}

func (w *outputWindow) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
