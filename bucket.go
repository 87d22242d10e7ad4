package bpipe

// AllAvail asks a read to return whatever is immediately available rather
// than a bounded amount.
const AllAvail = -1

// LineEnd is a bitmask of line-terminator kinds. Readline calls pass a mask
// of acceptable terminators; kinds outside the mask are scanned through and
// never reported.
type LineEnd int

const (
	// LineEndNone reports that no acceptable terminator was found.
	LineEndNone LineEnd = 0
	LineEndCR   LineEnd = 1
	LineEndLF   LineEnd = 2
	LineEndCRLF LineEnd = 4
	LineEndAny  LineEnd = LineEndCR | LineEndLF | LineEndCRLF

	// LineEndCRLFSplit is a control signal, never part of an acceptable mask:
	// the data ended exactly on a CR while CRLF was acceptable, and the
	// consumer must look at one more byte to learn whether an LF follows.
	LineEndCRLFSplit LineEnd = 8
)

// Bucket is a polymorphic streaming byte source. Buckets are single-ownership:
// the consumer holds the bucket and destroys it exactly once, which
// recursively destroys any children it owns. No bucket is safe for concurrent
// use from two goroutines.
type Bucket interface {
	// Read returns up to max bytes, or whatever is immediately available when
	// max is AllAvail. The returned slice is borrowed and stays valid only
	// until the next operation on the same bucket. Zero-length data is legal
	// only with StatusAgain or StatusEOF.
	Read(max int) ([]byte, Status)

	// ReadLine scans for a line terminator from the acceptable mask. The
	// returned data includes the terminator when one was found.
	ReadLine(acceptable LineEnd) (data []byte, found LineEnd, st Status)

	// Peek returns the currently visible bytes without advancing. The status
	// is StatusOK when more may follow and StatusEOF when what is shown is
	// all there is.
	Peek() ([]byte, Status)

	// ReadIovec reads like Read but may return multiple non-contiguous
	// ranges, up to maxVecs of them.
	ReadIovec(maxBytes, maxVecs int) ([][]byte, Status)

	// Destroy releases the bucket and everything it owns.
	Destroy()

	// SetConfig propagates per-connection configuration down the tree, best
	// effort.
	SetConfig(cfg *Config) Status
}

// ScanLineEnd finds the first acceptable terminator in data. It returns the
// number of bytes consumed, including the terminator, and the terminator kind.
// When CRLF is acceptable and data ends exactly on a CR it reports
// LineEndCRLFSplit; the CR is included in the consumed count.
func ScanLineEnd(data []byte, acceptable LineEnd) (n int, found LineEnd) {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			if acceptable&LineEndLF != 0 {
				return i + 1, LineEndLF
			}
		case '\r':
			if acceptable&LineEndCRLF != 0 {
				if i+1 == len(data) {
					return i + 1, LineEndCRLFSplit
				}
				if data[i+1] == '\n' {
					return i + 2, LineEndCRLF
				}
			}
			if acceptable&LineEndCR != 0 {
				return i + 1, LineEndCR
			}
		}
	}

	return len(data), LineEndNone
}

// ReadIovecViaRead implements the iovec read for bucket kinds whose Read
// already returns one contiguous range. It performs a single Read, so the
// result holds at most one vector.
func ReadIovecViaRead(b Bucket, maxBytes, maxVecs int) ([][]byte, Status) {
	if maxVecs < 1 || maxBytes == 0 {
		return nil, StatusOK
	}

	data, st := b.Read(maxBytes)
	if len(data) == 0 {
		return nil, st
	}

	return [][]byte{data}, st
}

// clampRequest bounds a requested read size to what a bucket has left,
// resolving AllAvail to the full remainder.
func clampRequest(requested, avail int) int {
	if requested == AllAvail || requested > avail {
		return avail
	}

	return requested
}
