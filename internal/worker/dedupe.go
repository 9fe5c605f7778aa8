package worker

import (
	"context"
	"sync"
)

// MemoryDeduper is a process-local Deduper used when Redis is not
// configured. It keeps a bounded set of done keys with FIFO eviction, so
// dedupe degrades to best-effort instead of failing the pipeline.
type MemoryDeduper struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	done     map[string]struct{}
	order    []string
	maxDone  int
}

func NewMemoryDeduper(maxDone int) *MemoryDeduper {
	if maxDone <= 0 {
		maxDone = 10000
	}
	return &MemoryDeduper{
		inflight: make(map[string]struct{}),
		done:     make(map[string]struct{}),
		maxDone:  maxDone,
	}
}

func (d *MemoryDeduper) Reserve(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.done[key]; ok {
		return false, nil
	}
	if _, ok := d.inflight[key]; ok {
		return false, nil
	}

	d.inflight[key] = struct{}{}
	return true, nil
}

func (d *MemoryDeduper) Commit(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, key)

	if _, ok := d.done[key]; ok {
		return nil
	}

	d.done[key] = struct{}{}
	d.order = append(d.order, key)

	for len(d.order) > d.maxDone {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.done, oldest)
	}

	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, key)
	return nil
}
