package transport

// lossWindow tracks the outcomes of the most recent resolved probes. A probe
// resolves when its response arrives or when it ages past the probe timeout.
// Callers synchronise access.
type lossWindow struct {
	outcomes []bool
	next     int
	filled   int
}

func newLossWindow(size int) lossWindow {
	return lossWindow{outcomes: make([]bool, size)}
}

func (w *lossWindow) record(answered bool) {
	w.outcomes[w.next] = answered
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

// ratio returns the fraction of resolved probes in the window that were
// lost. An empty window reports zero loss.
func (w *lossWindow) ratio() float64 {
	if w.filled == 0 {
		return 0
	}
	lost := 0
	for i := 0; i < w.filled; i++ {
		if !w.outcomes[i] {
			lost++
		}
	}
	return float64(lost) / float64(w.filled)
}

func (w *lossWindow) reset() {
	w.next = 0
	w.filled = 0
}
