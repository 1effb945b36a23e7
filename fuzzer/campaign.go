package fuzzer

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"alma.local/fsfuzz/corpus"
	"alma.local/fsfuzz/findings"
	"alma.local/fsfuzz/generator"
	"alma.local/fsfuzz/internal/metrics"
	"alma.local/fsfuzz/mutator"
	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/scheduler"
	"alma.local/fsfuzz/workload"
)

// Options tune a campaign.
type Options struct {
	// Seed of worker i is Seed+i.
	Seed int64
	// Iterations stops the campaign after that many steps; 0 means no limit.
	Iterations uint64
	// StartIteration is the last iteration of a previous session. Iteration
	// numbers continue after it.
	StartIteration uint64
	StatusInterval time.Duration
}

// Campaign runs one Fuzzer per worker against a shared scheduler.
type Campaign struct {
	opts     Options
	sched    *scheduler.Scheduler
	gen      *generator.Generator
	mut      *mutator.Mutator
	findings *findings.Store
	metrics  *metrics.Metrics
	log      *logrus.Entry
	fuzzers  []Fuzzer

	iterations atomic.Uint64
	stats      Stats
	statsMu    sync.Mutex
	start      time.Time
}

// Stats are outcome counters of a campaign.
type Stats struct {
	Iterations  uint64
	Completed   uint64
	Timeouts    uint64
	Hangs       uint64
	InfraFails  uint64
	NewSeeds    uint64
	Findings    uint64
	Suppressed  uint64
	Divergences uint64
}

// NewCampaign wires the campaign components. m may be nil.
func NewCampaign(opts Options, sched *scheduler.Scheduler, gen *generator.Generator, mut *mutator.Mutator,
	store *findings.Store, m *metrics.Metrics, fuzzers []Fuzzer, log *logrus.Entry) *Campaign {
	c := &Campaign{
		opts:     opts,
		sched:    sched,
		gen:      gen,
		mut:      mut,
		findings: store,
		metrics:  m,
		fuzzers:  fuzzers,
		log:      log.WithField("component", "campaign"),
	}
	c.iterations.Store(opts.StartIteration)
	return c
}

// Run blocks until the iteration limit, cancellation of ctx, or a fatal
// error in any worker. Cancellation is not an error.
func (c *Campaign) Run(ctx context.Context) error {
	if len(c.fuzzers) == 0 {
		return errors.New("fuzzer: no workers")
	}
	c.start = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range c.fuzzers {
		i, f := i, f
		rng := rand.New(rand.NewSource(c.opts.Seed + int64(i)))
		g.Go(func() error {
			return c.worker(gctx, i, f, rng)
		})
	}

	statusCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reportLoop(statusCtx)
	}()

	err := g.Wait()
	stop()
	wg.Wait()
	c.logStatus("campaign finished")
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Campaign) worker(ctx context.Context, id int, f Fuzzer, rng *rand.Rand) error {
	log := c.log.WithField("worker", id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := c.iterations.Add(1)
		if c.opts.Iterations > 0 && n > c.opts.StartIteration+c.opts.Iterations {
			return nil
		}
		if err := c.Step(ctx, rng, f, n); err != nil {
			var infra *orchestrator.InfraError
			if errors.As(err, &infra) {
				log.WithError(err).Error("giving up on environment")
			}
			return err
		}
	}
}

// Step performs one iteration: choose a base, derive a child, execute it,
// and fold the results back into the corpus and findings.
func (c *Campaign) Step(ctx context.Context, rng *rand.Rand, f Fuzzer, iteration uint64) error {
	parent := c.sched.Next()
	var child workload.Workload
	if parent == nil {
		child = c.gen.Generate(rng, 1+rng.Intn(c.gen.MaxLength()))
	} else {
		child = c.mut.Mutate(rng, parent.Workload)
	}
	if err := child.Validate(); err != nil {
		return errors.Wrap(err, "fuzzer: produced an invalid workload")
	}

	rep, err := f.Execute(ctx, child)
	if err != nil {
		return err
	}
	res := rep.Result
	c.metrics.Iteration(res.Outcome.String(), rep.Execution.Duration)
	for _, t := range res.Targets {
		c.metrics.Errnos(t.FS, t.Runtime.Errnos)
	}

	out, err := c.sched.RecordOutcome(parent, child, res, iteration)
	if err != nil {
		return errors.Wrap(err, "fuzzer: record seed")
	}
	st := c.sched.Stats()
	c.metrics.Corpus(st.CorpusSize, st.CoverageSize)

	c.count(func(s *Stats) {
		s.Iterations++
		switch res.Outcome {
		case orchestrator.OutcomeCompleted:
			s.Completed++
		case orchestrator.OutcomeTimeout:
			s.Timeouts++
		case orchestrator.OutcomeHung:
			s.Hangs++
		case orchestrator.OutcomeInfraFailure:
			s.InfraFails++
		}
		if out.Seed != nil {
			s.NewSeeds++
		}
	})
	if out.Seed != nil {
		c.log.WithFields(logrus.Fields{
			"iteration": iteration,
			"seed":      out.Seed.ID,
			"novel":     out.Novel,
			"length":    child.Len(),
		}).Debug("new coverage")
	}

	return c.report(rep, child, parent, iteration)
}

func (c *Campaign) report(rep *Report, w workload.Workload, parent *corpus.Seed, iteration uint64) error {
	dims := rep.Dimensions()
	if len(dims) == 0 {
		return nil
	}
	c.count(func(s *Stats) { s.Divergences++ })
	for _, dim := range dims {
		dir, recorded, err := c.findings.Record(NewFinding(rep, w, dim, iteration))
		if err != nil {
			return errors.Wrap(err, "fuzzer: record finding")
		}
		if !recorded {
			c.metrics.Suppressed()
			c.count(func(s *Stats) { s.Suppressed++ })
			continue
		}
		c.metrics.Finding(string(dim))
		c.count(func(s *Stats) { s.Findings++ })
		fields := logrus.Fields{"iteration": iteration, "dimension": dim, "dir": dir}
		if parent != nil {
			fields["parent"] = parent.ID
		}
		c.log.WithFields(fields).Info("new finding")
	}
	return nil
}

// NewFinding builds the artifact of rep for one diverging dimension.
func NewFinding(rep *Report, w workload.Workload, dim oracle.Dimension, iteration uint64) findings.Finding {
	f := findings.Finding{
		Dimension:  dim,
		Workload:   w,
		Traces:     make(map[string][]byte),
		Iteration:  iteration,
		Dimensions: rep.Dimensions(),
	}
	if rep.Result != nil {
		for _, t := range rep.Result.Targets {
			f.Traces[t.FS] = t.RawTrace
		}
	}
	if dim == oracle.Panic {
		f.Note = "The guest kernel reported a panic while the workload ran."
	}
	if rep.Verdict != nil {
		for _, d := range rep.Verdict.Diffs {
			if d.Dimension == dim {
				f.Diffs = append(f.Diffs, d)
			}
		}
	}
	return f
}

func (c *Campaign) count(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// Stats returns a snapshot of the outcome counters.
func (c *Campaign) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Campaign) reportLoop(ctx context.Context) {
	if c.opts.StatusInterval <= 0 {
		return
	}
	t := time.NewTicker(c.opts.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.logStatus("status")
		}
	}
}

func (c *Campaign) logStatus(msg string) {
	s := c.Stats()
	sched := c.sched.Stats()
	elapsed := time.Since(c.start)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.Iterations) / elapsed.Seconds()
	}
	c.log.WithFields(logrus.Fields{
		"iterations":  s.Iterations,
		"exec_per_s":  rate,
		"corpus":      sched.CorpusSize,
		"coverage":    sched.CoverageSize,
		"cycles":      sched.Cycles,
		"completed":   s.Completed,
		"timeouts":    s.Timeouts,
		"hangs":       s.Hangs,
		"infra":       s.InfraFails,
		"findings":    s.Findings,
		"suppressed":  s.Suppressed,
		"divergences": s.Divergences,
	}).Info(msg)
}
