// Package scheduler picks the next seed to mutate and folds execution results
// back into the corpus.
package scheduler

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/corpus"
	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/tracer"
	"alma.local/fsfuzz/workload"
)

type slot struct {
	id     int
	energy int
}

// Scheduler is the single synchronized entry point to the corpus.
type Scheduler struct {
	mu     sync.Mutex
	corpus *corpus.Corpus
	policy Policy
	log    *logrus.Entry

	cycle  []slot
	cursor int
	used   int
	rounds map[int]int
	cycles int
	clock  uint64
}

// New returns a scheduler over c.
func New(c *corpus.Corpus, policy Policy, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		corpus: c,
		policy: policy,
		log:    log.WithField("component", "scheduler"),
		rounds: make(map[int]int),
	}
}

// Load rebuilds the corpus from persisted records.
func (s *Scheduler) Load(records []corpus.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpus.Restore(records)
	for _, seed := range s.corpus.Seeds() {
		if seed.DiscoveredAt > s.clock {
			s.clock = seed.DiscoveredAt
		}
	}
	s.cycle, s.cursor, s.used = nil, 0, 0
}

// Clock returns the latest iteration seen, from restored seeds or outcomes.
// A resumed campaign numbers its iterations after it.
func (s *Scheduler) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Seeds returns copies of the current seeds.
func (s *Scheduler) Seeds() []*corpus.Seed {
	s.mu.Lock()
	defer s.mu.Unlock()
	seeds := s.corpus.Seeds()
	out := make([]*corpus.Seed, len(seeds))
	for i, seed := range seeds {
		out[i] = seed.Copy()
	}
	return out
}

func (s *Scheduler) energy(seed *corpus.Seed) int {
	return s.policy.Energy(seed.Executions, seed.DiscoveredAt, s.rounds[seed.ID], s.clock)
}

func (s *Scheduler) rebuild() {
	seeds := s.corpus.Seeds()
	s.cycle = make([]slot, 0, len(seeds))
	for _, seed := range seeds {
		s.cycle = append(s.cycle, slot{id: seed.ID, energy: s.energy(seed)})
	}
	sort.SliceStable(s.cycle, func(i, j int) bool {
		a, b := s.cycle[i], s.cycle[j]
		if a.energy != b.energy {
			return a.energy > b.energy
		}
		sa, sb := s.corpus.Get(a.id), s.corpus.Get(b.id)
		if sa.DiscoveredAt != sb.DiscoveredAt {
			return sa.DiscoveredAt < sb.DiscoveredAt
		}
		return a.id < b.id
	})
	s.cursor, s.used = 0, 0
	s.cycles++
}

func (s *Scheduler) advance() {
	s.rounds[s.cycle[s.cursor].id]++
	s.cursor++
	s.used = 0
}

// Next returns a copy of the seed to mutate, or nil if the corpus is empty.
func (s *Scheduler) Next() *corpus.Seed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corpus.Len() == 0 {
		return nil
	}
	for {
		if s.cursor >= len(s.cycle) {
			s.rebuild()
		}
		cur := s.cycle[s.cursor]
		seed := s.corpus.Get(cur.id)
		if seed == nil {
			// Evicted since the cycle was built.
			s.cursor++
			s.used = 0
			continue
		}
		s.used++
		if s.used >= cur.energy {
			s.advance()
		}
		return seed.Copy()
	}
}

// Outcome is what RecordOutcome did with a result.
type Outcome struct {
	// Novel is the number of addresses new to the coverage map.
	Novel int
	// Seed is a copy of the inserted seed, nil when nothing was added.
	Seed *corpus.Seed
}

// RecordOutcome folds the result of executing child (derived from parent,
// nil for generated workloads) into the corpus. Infrastructure failures are
// ignored. Novelty is decided and the seed inserted in one critical section.
func (s *Scheduler) RecordOutcome(parent *corpus.Seed, child workload.Workload, res *tracer.ExecutionResult, iteration uint64) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iteration > s.clock {
		s.clock = iteration
	}
	if res == nil || res.Outcome == orchestrator.OutcomeInfraFailure {
		return Outcome{}, nil
	}
	if parent != nil {
		if p := s.corpus.Get(parent.ID); p != nil {
			p.Executions++
			p.Priority = s.energy(p)
		}
	}
	if res.Outcome != orchestrator.OutcomeCompleted {
		return Outcome{}, nil
	}
	novel := s.corpus.Cover().Update(res.Signature)
	if novel.Len() == 0 {
		return Outcome{}, nil
	}
	seed, err := s.corpus.Add(child, res.Signature, iteration)
	if err != nil {
		return Outcome{Novel: novel.Len()}, err
	}
	seed.Priority = s.energy(seed)
	s.log.WithFields(logrus.Fields{"seed": seed.ID, "novel": novel.Len(), "iteration": iteration}).Debug("new seed")
	return Outcome{Novel: novel.Len(), Seed: seed.Copy()}, nil
}

// Stats is a snapshot of the scheduler state.
type Stats struct {
	CorpusSize   int
	CoverageSize int
	Cycles       int
}

// Stats returns current corpus and coverage sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{CorpusSize: s.corpus.Len(), CoverageSize: s.corpus.Cover().Len(), Cycles: s.cycles}
}
