// Package parallel splits buffer-sized work into chunks run on a bounded
// number of goroutines.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls chunked execution.
type Config struct {
	Enabled      bool // Whether chunks may run concurrently.
	NumWorkers   int  // Upper bound of concurrent chunks.
	MinChunkSize int  // Smallest chunk worth a goroutine.
}

// DefaultConfig returns defaults based on the CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64 << 10,
	}
}

// Chunks calls f over consecutive [start, end) ranges covering [0, n) and
// returns the first error. Ranges run sequentially when cfg disables
// parallelism or n is below two chunks.
func Chunks(n int, cfg Config, f func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < 2*cfg.MinChunkSize {
		return f(0, n)
	}

	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error { return f(start, end) })
	}
	return g.Wait()
}
