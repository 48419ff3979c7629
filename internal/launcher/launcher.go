// Package launcher runs a policy over one or many observation sequences.
//
// Every trajectory gets a fresh engine from the Factory, so entity graphs
// are never shared. Multiple trajectories run concurrently on a bounded
// worker group; results keep the input order.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/backtest-engine/internal/engine"
)

// Defaults for RunScenario: 30-day windows advanced by one day, assuming
// hourly observations.
const (
	DefaultWindowSize = 24 * 30
	DefaultStepSize   = 24
)

// ErrNoFactory is returned by New when no factory is supplied.
var ErrNoFactory = errors.New("launcher: factory is required")

// Factory builds a fresh engine, with its policy set up, for one
// trajectory.
type Factory func() (*engine.Engine, error)

// Launcher runs trajectories through engines built by its factory.
type Launcher struct {
	factory Factory
	workers int
	log     *zap.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithWorkers bounds the number of concurrently running trajectories.
func WithWorkers(n int) Option {
	return func(l *Launcher) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithLogger sets the launcher's logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Launcher) { l.log = log }
}

// New creates a launcher. Workers default to GOMAXPROCS.
func New(factory Factory, opts ...Option) (*Launcher, error) {
	if factory == nil {
		return nil, ErrNoFactory
	}
	l := &Launcher{
		factory: factory,
		workers: runtime.GOMAXPROCS(0),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run runs a single trajectory. On failure the partial result is
// returned with the error.
func (l *Launcher) Run(observations []engine.Observation) (*engine.Result, error) {
	eng, err := l.factory()
	if err != nil {
		return nil, fmt.Errorf("launcher: build engine: %w", err)
	}
	start := time.Now()
	res, err := eng.Run(observations)
	l.log.Debug("trajectory finished",
		zap.Int("observations", len(observations)),
		zap.Int("rows", len(res.Rows)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return res, err
}

// RunTrajectories runs every trajectory on its own engine. The first
// error cancels trajectories that have not started yet and is returned
// together with the results gathered so far: finished trajectories keep
// their full result, the failing one its partial result, and trajectories
// that never ran are nil.
func (l *Launcher) RunTrajectories(ctx context.Context, trajectories [][]engine.Observation) ([]*engine.Result, error) {
	results := make([]*engine.Result, len(trajectories))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, obs := range trajectories {
		i, obs := i, obs
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := l.Run(obs)
			results[i] = res
			if err != nil {
				return fmt.Errorf("launcher: trajectory %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	l.log.Info("trajectories finished", zap.Int("count", len(trajectories)), zap.Int("workers", l.workers))
	return results, nil
}

// RunScenario runs the policy over sliding windows of a single
// observation sequence. Non-positive sizes select the defaults. A
// sequence shorter than one window yields no results.
func (l *Launcher) RunScenario(ctx context.Context, observations []engine.Observation, windowSize, stepSize int) ([]*engine.Result, error) {
	windows := Windows(len(observations), windowSize, stepSize)
	trajectories := make([][]engine.Observation, len(windows))
	for i, w := range windows {
		trajectories[i] = observations[w.Start:w.End]
	}
	return l.RunTrajectories(ctx, trajectories)
}

// Window is a half-open index range [Start, End).
type Window struct {
	Start int
	End   int
}

// Windows returns the sliding windows over n observations.
func Windows(n, windowSize, stepSize int) []Window {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if stepSize <= 0 {
		stepSize = DefaultStepSize
	}
	var out []Window
	for start := 0; start+windowSize <= n; start += stepSize {
		out = append(out, Window{Start: start, End: start + windowSize})
	}
	return out
}
