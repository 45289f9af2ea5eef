package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dukex/kernelgraph/pkg/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultNodeCost is the nominal cost of one node execution.
const DefaultNodeCost = 4

// GovernorOptions sizes the shared resource budget.
type GovernorOptions struct {
	Budget        int64   `mapstructure:"budget"`          // Total units; 0 disables the budget
	RatePerSecond float64 `mapstructure:"rate_per_second"` // Admissions per second; 0 disables the limiter
	Burst         int     `mapstructure:"burst"`
	NodeCost      float64 `mapstructure:"node_cost"` // Nominal cost of a node execution; 0 means DefaultNodeCost
}

// ResourceGovernor hands out leases before each node execution. Higher priority
// runs pay a smaller share of the budget for the same nominal cost.
type ResourceGovernor struct {
	budget   int64
	nodeCost float64
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inUse    atomic.Int64
	acquired atomic.Int64
}

func NewResourceGovernor(opts GovernorOptions) *ResourceGovernor {
	g := &ResourceGovernor{budget: opts.Budget, nodeCost: opts.NodeCost}

	if g.nodeCost <= 0 {
		g.nodeCost = DefaultNodeCost
	}

	if opts.Budget > 0 {
		g.sem = semaphore.NewWeighted(opts.Budget)
	}

	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}

		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return g
}

// Weight returns the budget units charged for cost at priority. A cost of 0 charges
// the nominal node cost.
func (g *ResourceGovernor) Weight(priority models.Priority, cost float64) int64 {
	if cost <= 0 {
		cost = g.nodeCost
	}

	w := int64(math.Ceil(cost * priority.CostMultiplier()))
	if w < 1 {
		w = 1
	}

	return w
}

// Acquire blocks until the lease is granted or ctx is done.
func (g *ResourceGovernor) Acquire(ctx context.Context, priority models.Priority, cost float64) (*Lease, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("resource admission: %w", err)
		}
	}

	weight := g.Weight(priority, cost)

	if g.sem != nil {
		if weight > g.budget {
			return nil, models.NewGraphError(models.ErrorTypeResourceExhaustion,
				fmt.Sprintf("lease of %d units exceeds budget of %d", weight, g.budget), nil)
		}

		if err := g.sem.Acquire(ctx, weight); err != nil {
			return nil, fmt.Errorf("resource lease: %w", err)
		}
	}

	g.inUse.Add(weight)
	g.acquired.Add(1)

	return &Lease{governor: g, weight: weight}, nil
}

// InUse returns the units currently leased.
func (g *ResourceGovernor) InUse() int64 {
	return g.inUse.Load()
}

// Acquired returns the number of leases granted so far.
func (g *ResourceGovernor) Acquired() int64 {
	return g.acquired.Load()
}

// Lease is a scoped share of the budget.
type Lease struct {
	governor *ResourceGovernor
	weight   int64
	once     sync.Once
}

func (l *Lease) Weight() int64 {
	return l.weight
}

// Release returns the units to the budget. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}

	l.once.Do(func() {
		l.governor.inUse.Add(-l.weight)

		if l.governor.sem != nil {
			l.governor.sem.Release(l.weight)
		}
	})
}
