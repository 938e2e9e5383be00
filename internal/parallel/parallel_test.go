package parallel

import (
	"errors"
	"sync"
	"testing"
)

func TestChunksCoverRange(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 10}

	n := 1000
	seen := make([]int, n)
	var mu sync.Mutex
	calls := 0
	err := Chunks(n, cfg, func(start, end int) error {
		mu.Lock()
		calls++
		mu.Unlock()
		for i := start; i < end; i++ {
			seen[i]++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 4 chunks, got %d", calls)
	}
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("Index %d visited %d times", i, v)
		}
	}
}

func TestChunks_Sequential(t *testing.T) {
	cfg := DefaultConfig()

	var ranges [][2]int
	err := Chunks(cfg.MinChunkSize, cfg, func(start, end int) error {
		ranges = append(ranges, [2]int{start, end})
		return nil
	})
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != [2]int{0, cfg.MinChunkSize} {
		t.Errorf("Expected one full range, got %v", ranges)
	}
}

func TestChunks_Error(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 2, MinChunkSize: 1}
	boom := errors.New("boom")

	err := Chunks(10, cfg, func(start, _ int) error {
		if start == 0 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestChunks_Empty(t *testing.T) {
	called := false
	if err := Chunks(0, DefaultConfig(), func(_, _ int) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("f called for an empty range")
	}
}

func BenchmarkChunks(b *testing.B) {
	buf := make([]byte, 1<<20)
	for _, cfg := range []Config{{}, DefaultConfig()} {
		b.Run(map[bool]string{true: "parallel", false: "sequential"}[cfg.Enabled], func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = Chunks(len(buf), cfg, func(start, end int) error {
					for j := start; j < end; j++ {
						buf[j]++
					}
					return nil
				})
			}
		})
	}
}
