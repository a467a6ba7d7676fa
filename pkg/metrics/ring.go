// Package metrics samples control-plane load into a bounded ring and
// exports the current values through a Prometheus registry. One producer
// writes; any number of consumers read without locks.
package metrics

import (
	"go.uber.org/atomic"

	"github.com/swarmfleet/swarmd/pkg/models"
)

// DefaultRingSize is the sample capacity kept in memory.
const DefaultRingSize = 100

// Ring is a fixed-capacity sample buffer. Samples are immutable once
// published; publication is a pointer store followed by a head increment,
// so readers always observe fully-written samples in timestamp order.
type Ring struct {
	slots []atomic.Pointer[models.MetricsSample]
	head  atomic.Int64
}

// NewRing returns a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{slots: make([]atomic.Pointer[models.MetricsSample], capacity)}
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() int { return len(r.slots) }

// Len returns how many samples are readable, at most Capacity.
func (r *Ring) Len() int {
	n := int(r.head.Load())
	if n > len(r.slots) {
		return len(r.slots)
	}
	return n
}

// Push publishes one sample. Single producer only.
func (r *Ring) Push(s models.MetricsSample) {
	head := r.head.Load()
	r.slots[int(head)%len(r.slots)].Store(&s)
	r.head.Store(head + 1)
}

// Latest returns the most recent sample, or false when none exists.
func (r *Ring) Latest() (models.MetricsSample, bool) {
	head := r.head.Load()
	if head == 0 {
		return models.MetricsSample{}, false
	}
	p := r.slots[int(head-1)%len(r.slots)].Load()
	if p == nil {
		return models.MetricsSample{}, false
	}
	return *p, true
}

// Window returns up to n most recent samples, oldest first.
func (r *Ring) Window(n int) []models.MetricsSample {
	head := r.head.Load()
	avail := int(head)
	if avail > len(r.slots) {
		avail = len(r.slots)
	}
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}
	out := make([]models.MetricsSample, 0, n)
	for i := int(head) - n; i < int(head); i++ {
		if p := r.slots[i%len(r.slots)].Load(); p != nil {
			out = append(out, *p)
		}
	}
	return out
}
