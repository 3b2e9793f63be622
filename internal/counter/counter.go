// Package counter drives the particle counters that terminate a tandem
// arrangement. A counter reports one number, the particle concentration
// of the stream it samples; everything else (averaging, timing) belongs
// to the scan loop.
package counter

import (
	"math/rand"
	"sync"
)

// Counter is the contract the scan loop holds a particle counter to.
// StartPolling and StopPolling are no-ops unless the device needs an
// explicit log-start before it streams readings.
type Counter interface {
	Connect() error
	Close()
	StartPolling()
	StopPolling()
	Sample() (float64, error)
	Connected() bool
	Name() string
}

// Synthetic is a counter with no hardware behind it: every sample is a
// pseudo-random positive concentration. Used for dry runs and tests.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic creates a synthetic counter. A zero seed gives a fixed
// default sequence.
func NewSynthetic(seed int64) *Synthetic {
	if seed == 0 {
		seed = 1
	}
	return &Synthetic{rng: rand.New(rand.NewSource(seed))}
}

func (s *Synthetic) Connect() error { return nil }
func (s *Synthetic) Close()         {}
func (s *Synthetic) StartPolling()  {}
func (s *Synthetic) StopPolling()   {}

func (s *Synthetic) Sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() * 1000.0, nil
}

func (s *Synthetic) Connected() bool { return true }
func (s *Synthetic) Name() string    { return "Synthetic" }
