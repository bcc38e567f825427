package ins

import (
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// SpectralWindow is a SpectralSink that keeps the most recent window of
// gyro samples per instance and axis for an external frequency-domain
// consumer. Pushes are cheap ring-buffer writes; Snapshot pays the copy.
type SpectralWindow struct {
	phase int
	size  int

	mu     sync.Mutex
	buf    [MaxInstances][3][]float64
	pos    [MaxInstances]int
	filled [MaxInstances]bool
}

// NewSpectralWindow creates a capture window of the given size tapping the
// filter chain at phase (0 = pre-notch, k = after the k-th enabled notch).
func NewSpectralWindow(phase, size int) *SpectralWindow {
	w := &SpectralWindow{phase: phase, size: size}
	for i := 0; i < MaxInstances; i++ {
		for axis := 0; axis < 3; axis++ {
			w.buf[i][axis] = make([]float64, size)
		}
	}
	return w
}

// Phase returns the filter-chain tap point this window captures.
func (w *SpectralWindow) Phase() int { return w.phase }

// Push appends one sample to the instance's window.
func (w *SpectralWindow) Push(instance Handle, v r3.Vec) {
	if int(instance) >= MaxInstances || w.size == 0 {
		return
	}
	w.mu.Lock()
	i := int(instance)
	p := w.pos[i]
	w.buf[i][0][p] = v.X
	w.buf[i][1][p] = v.Y
	w.buf[i][2][p] = v.Z
	p++
	if p == w.size {
		p = 0
		w.filled[i] = true
	}
	w.pos[i] = p
	w.mu.Unlock()
}

// Snapshot returns the instance's current window, oldest sample first.
// The second return is the number of valid samples, which is less than
// the window size until the buffer first wraps.
func (w *SpectralWindow) Snapshot(instance Handle) ([3][]float64, int) {
	var out [3][]float64
	if int(instance) >= MaxInstances {
		return out, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	i := int(instance)
	n := w.pos[i]
	if w.filled[i] {
		n = w.size
	}
	for axis := 0; axis < 3; axis++ {
		out[axis] = make([]float64, n)
		if w.filled[i] {
			head := copy(out[axis], w.buf[i][axis][w.pos[i]:])
			copy(out[axis][head:], w.buf[i][axis][:w.pos[i]])
		} else {
			copy(out[axis], w.buf[i][axis][:n])
		}
	}
	return out, n
}
