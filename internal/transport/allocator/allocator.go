// Package allocator implements the Sample buffer pool described in spec.md
// §3 (Allocator & Allocator Factory). It reuses internal/bufpool's
// size-classed sync.Pool strategy as the slab source so the hot path of
// Alloc/Release stays allocation-free for the common frame sizes.
package allocator

import (
	"sync"

	"github.com/alxayo/mmtransport/internal/bufpool"
	"github.com/alxayo/mmtransport/internal/transport/sample"
	"github.com/google/uuid"
)

// SharedMemoryFlavor identifies how (or whether) an allocator's slab can be
// mapped by a peer in another process.
type SharedMemoryFlavor int

const (
	// None: the allocator's memory is process-local; a peer must receive
	// sample bodies by copy over a Local/Tcp/Udp/Multicast channel.
	None SharedMemoryFlavor = iota
	// POSIX: backed by a POSIX shared-memory segment (shm_open).
	POSIX
	// Win32: backed by a Win32 file mapping.
	Win32
)

// String renders the flavor for wire advertisement in AllocatorParams.
func (f SharedMemoryFlavor) String() string {
	switch f {
	case None:
		return "none"
	case POSIX:
		return "posix"
	case Win32:
		return "win32"
	default:
		return "unknown"
	}
}

// ID is a 16-byte allocator identity, published by the factory so a peer in
// another process can attach the same shared memory.
type ID [16]byte

// String renders the id as a UUID-formatted hex string.
func (id ID) String() string { return uuid.UUID(id).String() }

// Factory owns a pool of reusable buffers and publishes an ID + shared-memory
// flavor so a Local-transport peer can map the same slab by reference.
type Factory struct {
	id     ID
	flavor SharedMemoryFlavor
	pool   *bufpool.Pool

	mu       sync.Mutex
	cond     *sync.Cond
	liveBufs int
}

// New creates an allocator Factory. flavor must be None unless the caller
// has actually arranged the corresponding shared-memory segment; this
// package only manages the in-process slab, the OS-level mapping is the
// caller's responsibility (kept outside the transport core per spec.md §1's
// "abstract pull filter and sample" boundary).
func New(flavor SharedMemoryFlavor) *Factory {
	u := uuid.New()
	f := &Factory{
		id:     ID(u),
		flavor: flavor,
		pool:   bufpool.New(),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// ID returns the allocator's published identity.
func (f *Factory) ID() ID { return f.id }

// Flavor returns the shared-memory flavor this allocator advertises.
func (f *Factory) Flavor() SharedMemoryFlavor { return f.flavor }

// Alloc reserves size bytes and wraps them in a fresh Sample with a single
// reference. The body is returned to the pool exactly once, when the
// sample's last reference is released.
func (f *Factory) Alloc(size int) *sample.Sample {
	buf := f.pool.Get(size)
	f.mu.Lock()
	f.liveBufs++
	f.mu.Unlock()
	return sample.New(buf, 0, 0, f.release)
}

func (f *Factory) release(s *sample.Sample) {
	f.pool.Put(s.Body)
	f.mu.Lock()
	f.liveBufs--
	if f.liveBufs == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// WaitDrained blocks until every sample this factory has allocated has been
// released. Allocator destruction must wait for zero live samples (spec.md §5).
func (f *Factory) WaitDrained() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.liveBufs != 0 {
		f.cond.Wait()
	}
}

// LiveCount reports the number of samples currently outstanding from this
// factory. Intended for tests and diagnostics, not hot-path use.
func (f *Factory) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveBufs
}
