package harness

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/multierr"
)

// DefaultSettleSteps bounds each liveness run.
const DefaultSettleSteps = 10_000

// Violation is a property failure with the action trace that reached it.
type Violation struct {
	Trace []Action
	Err   error
}

func (v Violation) Error() string {
	steps := make([]string, len(v.Trace))
	for i, a := range v.Trace {
		steps[i] = a.String()
	}
	return fmt.Sprintf("%v\ntrace: %s", v.Err, strings.Join(steps, " -> "))
}

func (v Violation) Unwrap() error { return v.Err }

// Report summarises an exploration.
type Report struct {
	Runs       int
	Steps      int
	States     int
	Violations []Violation
}

// Err combines all violations, or returns nil.
func (r Report) Err() error {
	var errs error
	for _, v := range r.Violations {
		errs = multierr.Append(errs, v)
	}
	return errs
}

// ExploreOptions bounds an exploration.
type ExploreOptions struct {
	// MaxDepth bounds the number of actions on any path.
	MaxDepth int
	// SettleSteps bounds each liveness check; zero uses DefaultSettleSteps.
	SettleSteps int
	// SkipLiveness disables the settle run in every state.
	SkipLiveness bool
	// StopOnViolation ends the search at the first failure.
	StopOnViolation bool
}

func (o ExploreOptions) settleSteps() int {
	if o.SettleSteps > 0 {
		return o.SettleSteps
	}
	return DefaultSettleSteps
}

// Explore walks every interleaving of enabled actions up to MaxDepth,
// depth first, pruning states already seen. Every state is checked for
// safety and idempotence and, unless disabled, for liveness.
func Explore(ctx context.Context, cfg Config, opts ExploreOptions) (Report, error) {
	root, err := NewSystem(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	var report Report
	visited := make(map[uint64]struct{})
	var walk func(sys *System, depth int) error
	walk = func(sys *System, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fp, err := sys.Fingerprint(ctx)
		if err != nil {
			return err
		}
		if _, seen := visited[fp]; seen {
			return nil
		}
		visited[fp] = struct{}{}
		report.States++
		if v := sys.check(ctx, !opts.SkipLiveness, opts.settleSteps()); v != nil {
			report.Violations = append(report.Violations, *v)
			if opts.StopOnViolation {
				return errStop
			}
			return nil
		}
		if depth >= opts.MaxDepth {
			return nil
		}
		for _, action := range sys.Enabled(ctx) {
			next, err := sys.Clone()
			if err != nil {
				return err
			}
			report.Steps++
			if err := next.Apply(ctx, action); err != nil {
				report.Violations = append(report.Violations, Violation{Trace: next.Trace(), Err: err})
				if opts.StopOnViolation {
					return errStop
				}
				continue
			}
			if err := walk(next, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	report.Runs = 1
	if err := walk(root, 0); err != nil && !errors.Is(err, errStop) {
		return report, err
	}
	return report, nil
}

var errStop = errors.New("harness: stop")

// RandomOptions bounds a random exploration.
type RandomOptions struct {
	Seed        uint64
	Runs        int
	MaxSteps    int
	SettleSteps int
}

// Random performs seeded random walks. Each step picks an enabled action
// uniformly; the state is checked after every step and liveness is checked
// at the end of each walk.
func Random(ctx context.Context, cfg Config, opts RandomOptions) (Report, error) {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	settle := opts.SettleSteps
	if settle <= 0 {
		settle = DefaultSettleSteps
	}
	var report Report
	visited := make(map[uint64]struct{})
	for run := 0; run < opts.Runs; run++ {
		sys, err := NewSystem(ctx, cfg)
		if err != nil {
			return report, err
		}
		report.Runs++
		for step := 0; step < opts.MaxSteps; step++ {
			enabled := sys.Enabled(ctx)
			if len(enabled) == 0 {
				break
			}
			report.Steps++
			if err := sys.Apply(ctx, enabled[rng.IntN(len(enabled))]); err != nil {
				report.Violations = append(report.Violations, Violation{Trace: sys.Trace(), Err: err})
				break
			}
			if fp, err := sys.Fingerprint(ctx); err == nil {
				visited[fp] = struct{}{}
			}
			if v := sys.check(ctx, false, 0); v != nil {
				report.Violations = append(report.Violations, *v)
				break
			}
		}
		if err := sys.Settle(ctx, settle); err != nil {
			report.Violations = append(report.Violations, Violation{Trace: sys.Trace(), Err: err})
		}
	}
	report.States = len(visited)
	return report, ctx.Err()
}

func (s *System) check(ctx context.Context, liveness bool, settleSteps int) *Violation {
	err := multierr.Combine(s.CheckInvariants(ctx), s.CheckIdempotence(ctx))
	if err == nil && liveness {
		err = s.Settle(ctx, settleSteps)
	}
	if err == nil {
		return nil
	}
	return &Violation{Trace: s.Trace(), Err: err}
}
