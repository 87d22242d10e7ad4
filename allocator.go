package bpipe

// Allocator scopes bucket memory to one logical connection or transaction.
// Buckets created from the same allocator share its lifetime ceiling. The
// allocator keeps a count of outstanding blocks so tests can assert that a
// destroyed bucket tree released everything it owned.
//
// Allocators are single-threaded, like the buckets they serve.
type Allocator struct {
	label string
	live  int
}

// NewAllocator inits an allocator. The label shows up in leak reports only.
func NewAllocator(label string) *Allocator {
	return &Allocator{label: label}
}

// Alloc returns a fresh block of n bytes owned by the caller until freed.
func (a *Allocator) Alloc(n int) []byte {
	a.live++
	return make([]byte, n)
}

// Copy allocates a block holding a copy of p.
func (a *Allocator) Copy(p []byte) []byte {
	buf := a.Alloc(len(p))
	copy(buf, p)
	return buf
}

// Free returns a block obtained from Alloc or Copy.
func (a *Allocator) Free(_ []byte) {
	a.live--
}

// Live is the number of blocks allocated but not yet freed.
func (a *Allocator) Live() int { return a.live }

// Label returns the allocator's label.
func (a *Allocator) Label() string { return a.label }
