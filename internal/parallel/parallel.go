// Package parallel provides the worker pool kernels dispatch their tasks to.
package parallel

import (
	"context"
	"runtime"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per task in For to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64, // Typical cache line aware chunk.
	}
}

// For executes f(i) for i in [0, n) on the pool.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func (p *Pool) For(ctx context.Context, n int, f func(i int)) error {
	if !p.cfg.Enabled || n < p.cfg.MinChunkSize {
		// Sequential fallback.
		for i := 0; i < n; i++ {
			f(i)
		}
		return nil
	}

	chunkSize := max((n+p.cfg.NumWorkers-1)/p.cfg.NumWorkers, p.cfg.MinChunkSize, 1)
	chunks := (n + chunkSize - 1) / chunkSize
	return p.Launch(ctx, func(_ context.Context, task int) error {
		start := task * chunkSize
		end := min(start+chunkSize, n)
		for i := start; i < end; i++ {
			f(i)
		}
		return nil
	}, chunks)
}

// ForBatch optimized for batch*channels iteration pattern.
// Common in CNN operations like weight repacking.
func (p *Pool) ForBatch(ctx context.Context, batch, channels int, f func(b, c int)) error {
	n := batch * channels
	return p.For(ctx, n, func(k int) {
		f(k/channels, k%channels)
	})
}
