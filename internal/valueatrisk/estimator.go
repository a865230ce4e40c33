// Package valueatrisk estimates tail loss with a Monte-Carlo simulation of
// one-period returns.
//
// Returns are drawn from N(0, volatility²) as a Geometric-Brownian-Motion
// proxy, sorted ascending, and the sample at floor((1-confidence)·n) is
// taken as the loss quantile. The simulation runs on float64; callers
// convert the result to decimal at the edge.
//
// Randomness comes only from the injected rand.Source. The source seeds one
// PCG generator per worker, so a given source state, iteration count and
// worker count always produce the same estimate.
package valueatrisk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidIterations is returned when iterations <= 0.
	ErrInvalidIterations = errors.New("valueatrisk: iterations must be positive")

	// ErrInvalidConfidence is returned when confidence is outside (0, 1).
	ErrInvalidConfidence = errors.New("valueatrisk: confidence must be in (0, 1)")

	// ErrInvalidVolatility is returned for negative or non-finite volatility.
	ErrInvalidVolatility = errors.New("valueatrisk: volatility must be finite and non-negative")

	// ErrInvalidValue is returned for a negative or non-finite portfolio value.
	ErrInvalidValue = errors.New("valueatrisk: portfolio value must be finite and non-negative")

	// ErrNilSource is returned when no random source is supplied.
	ErrNilSource = errors.New("valueatrisk: random source is required")
)

// Params are the inputs of one estimate.
type Params struct {
	PortfolioValue float64
	Volatility     float64
	Confidence     float64
	Iterations     int
}

// Validate rejects malformed inputs without coercing them.
func (p Params) Validate() error {
	if p.Iterations <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidIterations, p.Iterations)
	}
	if math.IsNaN(p.Confidence) || p.Confidence <= 0 || p.Confidence >= 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidConfidence, p.Confidence)
	}
	if math.IsNaN(p.Volatility) || math.IsInf(p.Volatility, 0) || p.Volatility < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidVolatility, p.Volatility)
	}
	if math.IsNaN(p.PortfolioValue) || math.IsInf(p.PortfolioValue, 0) || p.PortfolioValue < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidValue, p.PortfolioValue)
	}
	return nil
}

// SelectionIndex returns floor((1-confidence)·n) clamped to [0, n-1].
func SelectionIndex(confidence float64, n int) int {
	idx := int(math.Floor((1 - confidence) * float64(n)))
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

// Result carries the estimate and the quantile sample it was derived from.
type Result struct {
	Loss   float64 `json:"loss"`
	Sample float64 `json:"sample"`
	Index  int     `json:"index"`
}

// Estimator runs the simulation across a fixed number of workers.
type Estimator struct {
	workers int
}

// NewEstimator returns an estimator with the given worker count. workers <= 0
// uses GOMAXPROCS.
func NewEstimator(workers int) *Estimator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Estimator{workers: workers}
}

// Workers returns the configured worker count.
func (e *Estimator) Workers() int {
	return e.workers
}

// Estimate returns the VaR loss, always >= 0.
func (e *Estimator) Estimate(ctx context.Context, p Params, src rand.Source) (float64, error) {
	res, err := e.EstimateDetail(ctx, p, src)
	if err != nil {
		return 0, err
	}
	return res.Loss, nil
}

// EstimateDetail runs the simulation and returns the selected sample too.
func (e *Estimator) EstimateDetail(ctx context.Context, p Params, src rand.Source) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if src == nil {
		return Result{}, ErrNilSource
	}

	samples, err := e.simulate(ctx, p.Volatility, p.Iterations, src)
	if err != nil {
		return Result{}, err
	}
	slices.Sort(samples)

	idx := SelectionIndex(p.Confidence, p.Iterations)
	sample := samples[idx]
	return Result{
		Loss:   math.Abs(sample * p.PortfolioValue),
		Sample: sample,
		Index:  idx,
	}, nil
}

// simulate fills n samples of vol·N(0,1). Worker seeds are drawn from src in
// worker order before any goroutine starts.
func (e *Estimator) simulate(ctx context.Context, vol float64, n int, src rand.Source) ([]float64, error) {
	workers := min(e.workers, n)
	samples := make([]float64, n)

	seeds := make([][2]uint64, workers)
	for i := range seeds {
		seeds[i] = [2]uint64{src.Uint64(), src.Uint64()}
	}

	chunk := (n + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			break
		}
		rng := rand.New(rand.NewPCG(seeds[w][0], seeds[w][1]))
		part := samples[lo:hi]
		g.Go(func() error {
			for i := range part {
				if i%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				part[i] = rng.NormFloat64() * vol
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("valueatrisk: simulation: %w", err)
	}
	return samples, nil
}
