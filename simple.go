package bpipe

// Ownership describes who owns the byte range behind a simple bucket.
type Ownership int

const (
	// Borrowed means the caller keeps ownership; the bytes must outlive the
	// bucket.
	Borrowed Ownership = iota
	// Copied means the bucket allocated its own copy and owns it.
	Copied
	// Owned means the caller transferred ownership; the bucket frees the
	// bytes on destroy.
	Owned
)

// SimpleBucket wraps a single contiguous in-memory byte range.
type SimpleBucket struct {
	alloc *Allocator
	data  []byte
	pos   int
	own   Ownership
}

// NewSimple returns a bucket over data that the caller continues to own.
func NewSimple(data []byte, alloc *Allocator) *SimpleBucket {
	return &SimpleBucket{alloc: alloc, data: data, own: Borrowed}
}

// NewSimpleString is a convenience for NewSimple over a string literal.
func NewSimpleString(s string, alloc *Allocator) *SimpleBucket {
	return NewSimple([]byte(s), alloc)
}

// NewSimpleCopy returns a bucket over a private copy of data.
func NewSimpleCopy(data []byte, alloc *Allocator) *SimpleBucket {
	return &SimpleBucket{alloc: alloc, data: alloc.Copy(data), own: Copied}
}

// NewSimpleOwn returns a bucket that takes ownership of data, which must have
// been allocated from alloc.
func NewSimpleOwn(data []byte, alloc *Allocator) *SimpleBucket {
	return &SimpleBucket{alloc: alloc, data: data, own: Owned}
}

func (b *SimpleBucket) remaining() []byte { return b.data[b.pos:] }

func (b *SimpleBucket) Read(max int) ([]byte, Status) {
	rest := b.remaining()
	n := clampRequest(max, len(rest))
	b.pos += n

	data := rest[:n]
	if b.pos == len(b.data) {
		return data, StatusEOF
	}

	return data, StatusOK
}

func (b *SimpleBucket) ReadLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	rest := b.remaining()
	n, found := ScanLineEnd(rest, acceptable)
	b.pos += n

	data := rest[:n]
	if b.pos == len(b.data) {
		return data, found, StatusEOF
	}

	return data, found, StatusOK
}

// Peek shows the remainder. A simple bucket has nothing beyond its range, so
// the status is always StatusEOF: what you see is all there is.
func (b *SimpleBucket) Peek() ([]byte, Status) {
	return b.remaining(), StatusEOF
}

func (b *SimpleBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, Status) {
	return ReadIovecViaRead(b, maxBytes, maxVecs)
}

func (b *SimpleBucket) Destroy() {
	if b.own != Borrowed {
		b.alloc.Free(b.data)
	}
	b.data = nil
	b.pos = 0
}

func (b *SimpleBucket) SetConfig(*Config) Status { return StatusOK }
