// Package corpus keeps the seeds that produced new coverage.
package corpus

import (
	"github.com/pkg/errors"

	"alma.local/fsfuzz/feedback"
	"alma.local/fsfuzz/workload"
)

// Seed is a workload that contributed new coverage when it was executed.
type Seed struct {
	ID           int               `json:"id"`
	Workload     workload.Workload `json:"workload"`
	Signature    []uint64          `json:"signature,omitempty"`
	Executions   uint64            `json:"executions"`
	DiscoveredAt uint64            `json:"discovered_at"`
	Priority     int               `json:"priority"`
}

// Copy returns a copy of s that shares the immutable workload.
func (s *Seed) Copy() *Seed {
	c := *s
	c.Signature = append([]uint64(nil), s.Signature...)
	return &c
}

// Corpus is the set of seeds plus the cumulative coverage they produced.
// It is not safe for concurrent use.
type Corpus struct {
	seeds   []*Seed
	byID    map[int]*Seed
	cover   *feedback.CoverageMap
	store   Store
	maxSize int
	nextID  int
}

// New returns an empty corpus persisting through store. maxSize of zero
// means unbounded.
func New(store Store, maxSize int) *Corpus {
	if store == nil {
		store = NopStore{}
	}
	return &Corpus{
		byID:    make(map[int]*Seed),
		cover:   feedback.NewCoverageMap(),
		store:   store,
		maxSize: maxSize,
	}
}

// Cover is the cumulative coverage map.
func (c *Corpus) Cover() *feedback.CoverageMap { return c.cover }

// Len is the number of live seeds.
func (c *Corpus) Len() int { return len(c.seeds) }

// Seeds returns the live seeds in insertion order.
func (c *Corpus) Seeds() []*Seed {
	out := make([]*Seed, len(c.seeds))
	copy(out, c.seeds)
	return out
}

// Get returns the seed with the given ID, nil if absent or evicted.
func (c *Corpus) Get(id int) *Seed { return c.byID[id] }

// Add inserts a new seed and persists it. Coverage must already have been
// merged by the caller.
func (c *Corpus) Add(w workload.Workload, sig feedback.Signature, iteration uint64) (*Seed, error) {
	s := &Seed{
		ID:           c.nextID,
		Workload:     w,
		Signature:    sig.Sorted(),
		DiscoveredAt: iteration,
	}
	c.nextID++
	c.insert(s)
	if err := c.store.Append(Record{Seed: s}); err != nil {
		return s, errors.Wrap(err, "corpus: persist seed")
	}
	if c.maxSize > 0 && len(c.seeds) > c.maxSize {
		victim := c.victim()
		c.drop(victim.ID)
		id := victim.ID
		if err := c.store.Append(Record{Evict: &id}); err != nil {
			return s, errors.Wrap(err, "corpus: persist eviction")
		}
	}
	return s, nil
}

func (c *Corpus) insert(s *Seed) {
	c.seeds = append(c.seeds, s)
	c.byID[s.ID] = s
	if s.ID >= c.nextID {
		c.nextID = s.ID + 1
	}
}

// victim is the most executed seed, the oldest among equals.
func (c *Corpus) victim() *Seed {
	v := c.seeds[0]
	for _, s := range c.seeds[1:] {
		if s.Executions > v.Executions {
			v = s
		}
	}
	return v
}

func (c *Corpus) drop(id int) {
	delete(c.byID, id)
	for i, s := range c.seeds {
		if s.ID == id {
			c.seeds = append(c.seeds[:i:i], c.seeds[i+1:]...)
			return
		}
	}
}

// Restore rebuilds seeds and coverage from persisted records. Evicted seeds
// still contribute their coverage.
func (c *Corpus) Restore(records []Record) {
	for _, r := range records {
		switch {
		case r.Seed != nil:
			c.cover.Update(feedback.NewSignature(r.Seed.Signature...))
			c.insert(r.Seed)
		case r.Evict != nil:
			c.drop(*r.Evict)
		}
	}
}
