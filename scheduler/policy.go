package scheduler

import (
	"math"

	"github.com/pkg/errors"
)

// Policy assigns energy (number of mutations per cycle) to seeds.
type Policy interface {
	// Energy is computed from the seed's executions, its discovery
	// iteration, how many cycles it has already been scheduled in, and the
	// current iteration.
	Energy(executions, discoveredAt uint64, rounds int, now uint64) int
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string, m int) (Policy, error) {
	switch name {
	case "", "fast":
		if m < 1 {
			return nil, errors.Errorf("scheduler: m_constant must be positive, got %d", m)
		}
		return Fast{M: m}, nil
	case "queue":
		return Queue{}, nil
	}
	return nil, errors.Errorf("scheduler: unknown policy %q", name)
}

// Fast favours seeds that are rarely executed and recently discovered, with
// energy growing exponentially for seeds scheduled over several cycles.
type Fast struct {
	M int
}

func (f Fast) Energy(executions, discoveredAt uint64, rounds int, now uint64) int {
	recency := float64(discoveredAt+1) / float64(now+1)
	if recency > 1 {
		recency = 1
	}
	if rounds > 4 {
		rounds = 4
	}
	if rounds < 0 {
		rounds = 0
	}
	e := float64(f.M) * (1 + recency) / 2 * math.Pow(2, float64(rounds)) / float64(1+executions)
	switch {
	case e < 1:
		return 1
	case e > float64(f.M):
		return f.M
	}
	return int(math.Floor(e))
}

// Queue gives every seed one mutation per cycle.
type Queue struct{}

func (Queue) Energy(uint64, uint64, int, uint64) int { return 1 }
