// Package allocator implements the kernel's size-class heap: a small set of
// fixed-size free lists, one per class, with no splitting or coalescing.
// It is the Go-shaped replacement for a header-prefixed pointer allocator —
// there is no unsafe pointer arithmetic here, just an explicit Block wrapper
// threaded through the free lists.
package allocator

import "fmt"

// Block is one allocation unit. Payload is sized to the owning class's
// PayloadSize and is reused across Alloc/Free cycles without being
// reallocated — the region is carved once at construction and never
// grows.
type Block struct {
	class   int
	inUse   bool
	next    *Block
	Payload []byte
}

// ClassConfig describes one size class: every block in the class holds
// PayloadSize bytes, and there are BlockCount of them.
type ClassConfig struct {
	PayloadSize int
	BlockCount  int
}

// DefaultClasses returns the kernel's default size-class layout: 16, 32,
// 64, 128 and 256 byte classes, eight blocks each. These are example sizes;
// callers embedding the kernel in a larger program are expected to size
// classes for their own workload via StartOptions.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{
		{PayloadSize: 16, BlockCount: 8},
		{PayloadSize: 32, BlockCount: 8},
		{PayloadSize: 64, BlockCount: 8},
		{PayloadSize: 128, BlockCount: 8},
		{PayloadSize: 256, BlockCount: 8},
	}
}

// class is one free list plus the classwide payload size.
type class struct {
	payloadSize int
	total       int
	free        *Block
}

// Heap is the kernel's allocator region: an ordered list of size classes,
// smallest first. Alloc and Free are not safe for concurrent use; the
// kernel serializes every call onto its single engine goroutine, exactly
// as it does for the thread table and mailboxes.
type Heap struct {
	classes []class
}

// NewHeap builds a heap with one free list per config entry,
// pre-populated with BlockCount blocks apiece. Config entries must be in
// ascending PayloadSize order; NewHeap does not sort them.
func NewHeap(configs []ClassConfig) *Heap {
	h := &Heap{classes: make([]class, len(configs))}
	for i, cfg := range configs {
		c := &h.classes[i]
		c.payloadSize = cfg.PayloadSize
		c.total = cfg.BlockCount
		for n := 0; n < cfg.BlockCount; n++ {
			c.free = &Block{class: i, Payload: make([]byte, cfg.PayloadSize), next: c.free}
		}
	}
	return h
}

// ErrOutOfMemory is returned by Alloc when no class is large enough for
// the request, or the smallest class that is has no free block left.
type ErrOutOfMemory struct {
	Requested int
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("allocator: out of memory for request of %d bytes", e.Requested)
}

// Alloc returns a block from the smallest class that can hold size bytes.
// It fails with *ErrOutOfMemory if no class fits the request or every
// block of that smallest fitting class is already in use; larger classes
// are not tried.
func (h *Heap) Alloc(size int) (*Block, error) {
	for i := range h.classes {
		c := &h.classes[i]
		if c.payloadSize < size {
			continue
		}
		if c.free == nil {
			break
		}
		b := c.free
		c.free = b.next
		b.next = nil
		b.inUse = true
		return b, nil
	}
	return nil, &ErrOutOfMemory{Requested: size}
}

// ErrDoubleFree indicates Free was called on a block that is not currently
// allocated. There is no safe continuation from this: it means caller
// bookkeeping has already diverged from the kernel's. The kernel routes it
// to the panic channel rather than returning it to the caller.
type ErrDoubleFree struct {
	Block *Block
}

func (e *ErrDoubleFree) Error() string {
	return "allocator: double free"
}

// Free returns a block to its class's free list. A non-nil return means
// a double free; callers treat it as fatal — the kernel converts it into
// its PanicHandler invocation rather than a normal error return.
func (h *Heap) Free(b *Block) error {
	if b == nil || !b.inUse {
		return &ErrDoubleFree{Block: b}
	}
	c := &h.classes[b.class]
	b.inUse = false
	b.next = c.free
	c.free = b
	return nil
}

// Stats reports free/in-use block counts for one class, used by tests and
// by Snapshot to assert the allocator returns to its initial state after a
// balanced alloc/free sequence.
type Stats struct {
	PayloadSize int
	Free        int
	InUse       int
}

// Snapshot returns per-class occupancy. It walks each free list, so it is
// O(total blocks); tests use it to assert an allocator invariant, not a
// kernel hot path.
func (h *Heap) Snapshot() []Stats {
	stats := make([]Stats, len(h.classes))
	for i := range h.classes {
		c := &h.classes[i]
		free := 0
		for b := c.free; b != nil; b = b.next {
			free++
		}
		stats[i] = Stats{PayloadSize: c.payloadSize, Free: free, InUse: c.total - free}
	}
	return stats
}
