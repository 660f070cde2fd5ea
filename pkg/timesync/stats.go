package timesync

import "time"

// window keeps the most recent round-trip samples.
type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(size int) window {
	return window{samples: make([]time.Duration, size)}
}

func (w *window) add(sample time.Duration) {
	w.samples[w.next] = sample
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *window) reset() {
	w.next = 0
	w.full = false
}

// stats returns the mean and the mean absolute deviation of the window.
func (w *window) stats() (mean, jitter time.Duration) {
	n := w.len()
	if n == 0 {
		return 0, 0
	}
	var sum time.Duration
	for _, s := range w.samples[:n] {
		sum += s
	}
	mean = sum / time.Duration(n)

	var dev time.Duration
	for _, s := range w.samples[:n] {
		d := s - mean
		if d < 0 {
			d = -d
		}
		dev += d
	}
	return mean, dev / time.Duration(n)
}
