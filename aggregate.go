package bpipe

// AggregateBucket holds an ordered queue of child buckets drained strictly
// front to back. It owns its children: destroying the aggregate destroys
// whatever children remain, and reading destroys children as they reach EOF.
type AggregateBucket struct {
	alloc    *Allocator
	children []Bucket
	// done holds drained children whose borrowed data the caller may still
	// be looking at; they are destroyed on the next operation.
	done []Bucket
	cfg  *Config
}

// NewAggregate inits an empty aggregate.
func NewAggregate(alloc *Allocator) *AggregateBucket {
	return &AggregateBucket{alloc: alloc}
}

// Append adds a child at the tail of the queue, transferring ownership.
func (a *AggregateBucket) Append(b Bucket) {
	if a.cfg != nil {
		b.SetConfig(a.cfg)
	}
	a.children = append(a.children, b)
}

// Prepend adds a child at the head of the queue, transferring ownership.
func (a *AggregateBucket) Prepend(b Bucket) {
	if a.cfg != nil {
		b.SetConfig(a.cfg)
	}
	a.children = append([]Bucket{b}, a.children...)
}

// cleanup destroys children that were fully drained on a previous call. Their
// destruction is deferred one operation so that data borrowed from them stays
// valid until the caller comes back.
func (a *AggregateBucket) cleanup() {
	for _, child := range a.done {
		child.Destroy()
	}
	a.done = nil
}

// retire moves the drained head out of the queue but keeps it alive until the
// next operation.
func (a *AggregateBucket) retire() {
	a.done = append(a.done, a.children[0])
	a.children = a.children[1:]
}

func (a *AggregateBucket) Read(max int) ([]byte, Status) {
	a.cleanup()

	for len(a.children) > 0 {
		data, st := a.children[0].Read(max)
		if st == StatusEOF {
			if len(data) == 0 {
				// Nothing borrowed, move on to the next child in this call so
				// the caller never sees a spurious EOF between segments.
				a.children[0].Destroy()
				a.children = a.children[1:]
				continue
			}

			a.retire()
			if len(a.children) > 0 {
				return data, StatusOK
			}
			return data, StatusEOF
		}

		return data, st
	}

	return nil, StatusEOF
}

func (a *AggregateBucket) ReadLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	a.cleanup()

	for len(a.children) > 0 {
		data, found, st := a.children[0].ReadLine(acceptable)
		if st == StatusEOF {
			if len(data) == 0 {
				a.children[0].Destroy()
				a.children = a.children[1:]
				continue
			}

			// The head is exhausted; a line that ended without a terminator
			// (or on a split CR) continues in the next child, which the next
			// call will consult.
			a.retire()
			if len(a.children) > 0 {
				return data, found, StatusOK
			}
			return data, found, StatusEOF
		}

		return data, found, st
	}

	return nil, LineEndNone, StatusEOF
}

// Peek shows data from the head child only. It reports StatusEOF only when
// the aggregate is truly exhausted.
func (a *AggregateBucket) Peek() ([]byte, Status) {
	a.cleanup()

	for len(a.children) > 0 {
		data, st := a.children[0].Peek()
		if len(data) == 0 && st == StatusEOF {
			a.children[0].Destroy()
			a.children = a.children[1:]
			continue
		}

		if st == StatusEOF && len(a.children) > 1 {
			st = StatusOK
		}
		return data, st
	}

	return nil, StatusEOF
}

func (a *AggregateBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, Status) {
	a.cleanup()

	if maxVecs < 1 || maxBytes == 0 {
		return nil, StatusOK
	}

	var (
		vecs  [][]byte
		total int
	)
	for len(a.children) > 0 && len(vecs) < maxVecs {
		req := maxBytes
		if req != AllAvail {
			req -= total
			if req <= 0 {
				break
			}
		}

		data, st := a.children[0].Read(req)
		if len(data) > 0 {
			vecs = append(vecs, data)
			total += len(data)
		}

		if st == StatusEOF {
			if len(data) == 0 {
				a.children[0].Destroy()
				a.children = a.children[1:]
			} else {
				a.retire()
			}
			continue
		}
		if st != StatusOK {
			if len(vecs) > 0 {
				// Deliver what we collected; the caller retries for the rest.
				return vecs, StatusOK
			}
			return nil, st
		}
		if len(data) == 0 {
			break
		}
	}

	if len(a.children) == 0 && len(vecs) == 0 {
		return nil, StatusEOF
	}
	if len(a.children) == 0 {
		return vecs, StatusEOF
	}

	return vecs, StatusOK
}

func (a *AggregateBucket) Destroy() {
	a.cleanup()
	for _, child := range a.children {
		child.Destroy()
	}
	a.children = nil
}

func (a *AggregateBucket) SetConfig(cfg *Config) Status {
	a.cfg = cfg

	st := StatusOK
	for _, child := range a.children {
		if cst := child.SetConfig(cfg); cst != StatusOK {
			st = cst
		}
	}

	return st
}
