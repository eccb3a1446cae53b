// Package ratemeter provides a fixed-window sampler computing rolling
// averages and average inter-arrival intervals. It is the throttling
// primitive used for input rate limiting, output rate limiting, and
// channel message-rate limiting.
package ratemeter

import (
	"errors"
	"sync"
)

// MinCapacity is the smallest window a Meter will accept.
const MinCapacity = 5

// ErrInvalidCapacity is returned by New when the requested window is
// smaller than MinCapacity.
var ErrInvalidCapacity = errors.New("ratemeter: capacity below minimum")

// Meter is a fixed-size circular sample buffer with a monotonic sample
// counter. Once the buffer has wrapped, exactly capacity samples
// participate in each average, oldest overwritten first.
type Meter struct {
	mu      sync.RWMutex
	samples []int64
	next    int
	total   uint64
}

// New creates a Meter holding at most capacity samples.
func New(capacity int) (*Meter, error) {
	if capacity < MinCapacity {
		return nil, ErrInvalidCapacity
	}
	return &Meter{samples: make([]int64, capacity)}, nil
}

// Record inserts value at the write cursor and advances it circularly.
func (m *Meter) Record(value int64) {
	m.mu.Lock()
	m.samples[m.next] = value
	m.next = (m.next + 1) % len(m.samples)
	m.total++
	m.mu.Unlock()
}

// RecordIntervalStart stashes the start of a two-phase interval sample
// in the current slot. It must be paired with RecordIntervalEnd on the
// same slot; an unpaired call leaves undefined sample content behind.
func (m *Meter) RecordIntervalStart(value int64) {
	m.mu.Lock()
	m.samples[m.next] = value
	m.mu.Unlock()
}

// RecordIntervalEnd completes a two-phase interval sample: the stored
// sample becomes value minus the stashed start, and the cursor advances.
func (m *Meter) RecordIntervalEnd(value int64) {
	m.mu.Lock()
	m.samples[m.next] = value - m.samples[m.next]
	m.next = (m.next + 1) % len(m.samples)
	m.total++
	m.mu.Unlock()
}

// Count reports how many samples currently participate in averages.
func (m *Meter) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count()
}

func (m *Meter) count() int {
	if m.total >= uint64(len(m.samples)) {
		return len(m.samples)
	}
	return int(m.total)
}

// ordered returns the valid samples oldest to newest.
func (m *Meter) ordered() []int64 {
	n := m.count()
	out := make([]int64, 0, n)
	start := 0
	if m.total >= uint64(len(m.samples)) {
		start = m.next
	}
	for i := 0; i < n; i++ {
		out = append(out, m.samples[(start+i)%len(m.samples)])
	}
	return out
}

// Average returns the arithmetic mean of the stored samples, 0 if none.
func (m *Meter) Average() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.count()
	if n == 0 {
		return 0
	}
	var sum int64
	for _, v := range m.ordered() {
		sum += v
	}
	return float64(sum) / float64(n)
}

// AverageInterval returns the mean of consecutive sample differences,
// oldest to newest, 0 with fewer than two samples.
func (m *Meter) AverageInterval() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return meanInterval(m.ordered())
}

// AverageIntervalIfAppended returns what AverageInterval would report
// if value were recorded next, without mutating the meter.
func (m *Meter) AverageIntervalIfAppended(value int64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq := m.ordered()
	if len(seq) == len(m.samples) {
		seq = seq[1:]
	}
	return meanInterval(append(seq, value))
}

func meanInterval(seq []int64) float64 {
	if len(seq) < 2 {
		return 0
	}
	var sum int64
	for i := 1; i < len(seq); i++ {
		sum += seq[i] - seq[i-1]
	}
	return float64(sum) / float64(len(seq)-1)
}
