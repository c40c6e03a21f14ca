// Package metrics keeps named monotonic counters with a one second rate window.
package metrics

import (
	"sync"
	"time"
)

type Counter struct {
	name string

	value int64
	ts    time.Time

	value1s int64
	ts1s    time.Time
	rate1s  float64
}

// Registry is a set of counters, safe for concurrent use
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	now      func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter), now: time.Now}
}

// Default is the process-wide registry
var Default = NewRegistry()

// Tick adds value to the named counter, creating it on first use
func (r *Registry) Tick(name string, value int64) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.counters[name]
	if !exists {
		r.counters[name] = &Counter{
			name:    name,
			value:   value,
			ts:      now,
			value1s: value,
			ts1s:    now,
		}
		return
	}

	c.value += value
	c.value1s += value
	if elapsed := now.Sub(c.ts1s); elapsed >= time.Second {
		c.rate1s = float64(c.value1s) / elapsed.Seconds()
		c.ts1s = now
		c.value1s = 0
	}
}

// Get returns the counter total
func (r *Registry) Get(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.counters[name]
	if !exists {
		return 0
	}
	return c.value
}

// GetPerformance returns the average per-second rate since the counter was created
func (r *Registry) GetPerformance(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.counters[name]
	if !exists {
		return 0
	}
	elapsed := r.now().Sub(c.ts).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.value) / elapsed
}

// GetRate1s returns the per-second rate over the last completed one second window
func (r *Registry) GetRate1s(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.counters[name]
	if !exists {
		return 0
	}
	return c.rate1s
}
