// Package parallel provides the worker pool used by batch-level kernels.
//
// The structured-distribution core issues no goroutines of its own: the only
// parallelism lives here, inside the numeric kernels (per-batch determinants,
// assignment solves), which keeps query methods pure and safe for concurrent
// callers.
package parallel

import (
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of pool workers to use.
	MinChunkSize int  // Minimum items per task to avoid scheduling overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 8,
	}
}

var (
	poolOnce sync.Once
	pool     *ants.Pool
)

// sharedPool lazily builds one process-wide worker pool. Pool size follows
// GOMAXPROCS; tasks are short-lived chunk loops so a shared pool is enough.
func sharedPool() *ants.Pool {
	poolOnce.Do(func() {
		p, err := ants.NewPool(runtime.NumCPU())
		if err != nil {
			// NewPool only fails for non-positive sizes.
			panic(err)
		}
		pool = p
	})
	return pool
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too
// small to amortize pool submission.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunkSize := (n + cfg.NumWorkers - 1) / cfg.NumWorkers
	if chunkSize < cfg.MinChunkSize {
		chunkSize = cfg.MinChunkSize
	}

	var wg sync.WaitGroup
	p := sharedPool()
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		s, e := start, end
		if err := p.Submit(func() {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}); err != nil {
			// Pool is closed or overloaded: run the chunk inline.
			for i := s; i < e; i++ {
				f(i)
			}
			wg.Done()
		}
	}
	wg.Wait()
}
