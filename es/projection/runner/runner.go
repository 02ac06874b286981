// Package runner provides optional tooling for running multiple projections and scaling them safely.
// This package is designed to be explicit, deterministic, and CLI-friendly without imposing
// framework behavior or automatic scheduling.
package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/getpup/pupstore/es/projection"
)

var (
	// ErrNoProjections indicates that no projections were provided to run.
	ErrNoProjections = errors.New("no projections provided")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")
)

// ProjectionRunner pairs a projection with its processor.
type ProjectionRunner struct {
	Projection projection.Projection
	Processor  projection.ProcessorRunner
}

// Runner orchestrates multiple projections concurrently.
//
// Example:
//
//	processor := projection.NewProcessor(ds, upstream, downstream, projection.DefaultProcessorConfig())
//
//	r := runner.New()
//	err := r.Run(ctx, []runner.ProjectionRunner{
//	    {Projection: &MyProjection{}, Processor: processor},
//	    {Projection: &MyOtherProjection{}, Processor: processor},
//	})
type Runner struct{}

// New creates a new projection runner.
func New() *Runner {
	return &Runner{}
}

// Run runs multiple projections concurrently until the context is canceled.
// Each projection runs in its own goroutine with its processor.
//
// If a projection returns an error, all other projections are canceled and the
// first error is returned. Cancellation of ctx returns ctx.Err().
//
// Coordination between processes happens through the downstream tracking
// table, so Run is safe to call from several CLIs at once.
func (r *Runner) Run(ctx context.Context, runners []ProjectionRunner) error {
	if len(runners) == 0 {
		return ErrNoProjections
	}

	for i, runner := range runners {
		if runner.Projection == nil {
			return fmt.Errorf("projection at index %d is nil", i)
		}
		if runner.Processor == nil {
			return fmt.Errorf("processor at index %d is nil", i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		pr := runner
		g.Go(func() error {
			err := pr.Processor.Run(gctx, pr.Projection)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("projection %q failed: %w", pr.Projection.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// RunPartitioned runs totalPartitions processors for one projection in this process.
// newProcessor builds the processor for a partition key.
func (r *Runner) RunPartitioned(ctx context.Context, proj projection.Projection, totalPartitions int,
	newProcessor func(partitionKey, totalPartitions int) projection.ProcessorRunner) error {
	if totalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be at least 1, got %d", ErrInvalidPartitionConfig, totalPartitions)
	}
	if newProcessor == nil {
		return fmt.Errorf("%w: no processor constructor", ErrInvalidPartitionConfig)
	}

	runners := make([]ProjectionRunner, totalPartitions)
	for key := range runners {
		runners[key] = ProjectionRunner{Projection: proj, Processor: newProcessor(key, totalPartitions)}
	}
	return r.Run(ctx, runners)
}
