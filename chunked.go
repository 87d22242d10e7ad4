package bpipe

import "bytes"

type dechunkState int

const (
	chunkSize dechunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailers
	chunkDone
)

// DechunkBucket decodes a Transfer-Encoding: chunked stream. Trailing headers
// after the terminating chunk are merged into the trailers map when one is
// supplied. An underlying EOF inside a chunk payload, inside a size line, or
// where the CRLF after a payload should be never surfaces as EOF; it becomes
// StatusTruncatedHTTPResponse.
type DechunkBucket struct {
	alloc    *Allocator
	stream   Bucket
	trailers *HeadersBucket
	lb       lineBuffer
	state    dechunkState
	left     int64

	// pending holds decoded bytes a ReadLine did not consume.
	pending    []byte
	pendingPos int
	pendingSt  Status
}

// NewDechunk inits a decoder over stream. Ownership of stream transfers to
// the decoder. Trailing headers land in trailers, which may be nil.
func NewDechunk(stream Bucket, alloc *Allocator, trailers *HeadersBucket) *DechunkBucket {
	return &DechunkBucket{alloc: alloc, stream: stream, trailers: trailers}
}

// parseSizeLine reads the leading run of hex digits from the buffered line.
// Extensions after the digits are skipped. An empty digit run parses as zero,
// i.e. a terminating chunk.
func (d *DechunkBucket) parseSizeLine() Status {
	line := d.lb.line()

	var size int64
digits:
	for _, c := range line {
		var digit int64
		switch {
		case c >= '0' && c <= '9':
			digit = int64(c - '0')
		case c >= 'a' && c <= 'f':
			digit = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			digit = int64(c-'A') + 10
		default:
			// Extensions after the digits are tolerated and skipped.
			break digits
		}
		if size > (1<<62)/16 {
			return StatusBadResponse
		}
		size = size*16 + digit
	}

	d.left = size
	if size == 0 {
		d.state = chunkTrailers
	} else {
		d.state = chunkData
	}

	return StatusOK
}

// parseTrailerLine splits one trailing header line and merges it into the
// trailers map.
func (d *DechunkBucket) parseTrailerLine() Status {
	line := d.lb.line()

	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return StatusBadHeader
	}

	name := bytes.TrimSpace(line[:colon])
	value := bytes.TrimLeft(line[colon+1:], " \t")
	if d.trailers != nil {
		d.trailers.Set(string(name), string(value))
	}

	return StatusOK
}

func (d *DechunkBucket) freePending() {
	if d.pending != nil {
		d.alloc.Free(d.pending)
		d.pending = nil
		d.pendingPos = 0
	}
}

// readDecoded runs the framing machine until it can hand out payload bytes or
// has to report a status.
func (d *DechunkBucket) readDecoded(max int) ([]byte, Status) {
	for {
		switch d.state {
		case chunkSize:
			st := d.lb.fetch(d.stream)
			if st == StatusEOF {
				if d.lb.used == 0 && d.lb.state != lineCRLFSplit {
					// The stream ended cleanly at a chunk boundary.
					d.state = chunkDone
					return nil, StatusEOF
				}
				return nil, StatusTruncatedHTTPResponse
			}
			if st != StatusOK {
				return nil, st
			}
			if pst := d.parseSizeLine(); pst != StatusOK {
				return nil, pst
			}

		case chunkData:
			req := max
			if req == AllAvail || int64(req) > d.left {
				req = int(d.left)
			}

			data, st := d.stream.Read(req)
			d.left -= int64(len(data))
			if d.left == 0 && !st.IsError() {
				d.state = chunkDataEnd
				if len(data) > 0 {
					return data, StatusOK
				}
				continue
			}
			if st == StatusEOF {
				// The stream ended inside the payload.
				return data, StatusTruncatedHTTPResponse
			}
			if len(data) > 0 {
				return data, StatusOK
			}
			return nil, st

		case chunkDataEnd:
			st := d.lb.fetch(d.stream)
			if st == StatusEOF {
				return nil, StatusTruncatedHTTPResponse
			}
			if st != StatusOK {
				return nil, st
			}
			if d.lb.used != 0 {
				// The CRLF that must follow a chunk payload was not there.
				return nil, StatusTruncatedHTTPResponse
			}
			d.state = chunkSize

		case chunkTrailers:
			st := d.lb.fetch(d.stream)
			if st == StatusEOF {
				// The original tolerates a stream that stops after the
				// terminating chunk; treat it as a clean end.
				d.state = chunkDone
				return nil, StatusEOF
			}
			if st != StatusOK {
				return nil, st
			}
			if d.lb.used == 0 {
				d.state = chunkDone
				return nil, StatusEOF
			}
			if pst := d.parseTrailerLine(); pst != StatusOK {
				return nil, pst
			}

		default: // chunkDone
			return nil, StatusEOF
		}
	}
}

func (d *DechunkBucket) Read(max int) ([]byte, Status) {
	if d.pendingPos < len(d.pending) {
		rest := d.pending[d.pendingPos:]
		n := clampRequest(max, len(rest))
		d.pendingPos += n
		if d.pendingPos == len(d.pending) {
			return rest[:n], d.pendingSt
		}
		return rest[:n], StatusOK
	}
	d.freePending()

	return d.readDecoded(max)
}

func (d *DechunkBucket) ReadLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	if d.pendingPos >= len(d.pending) {
		d.freePending()

		data, st := d.readDecoded(AllAvail)
		if len(data) == 0 {
			return nil, LineEndNone, st
		}
		d.pending = d.alloc.Copy(data)
		d.pendingPos = 0
		d.pendingSt = st
	}

	window := d.pending[d.pendingPos:]
	n, found := ScanLineEnd(window, acceptable)
	d.pendingPos += n

	if d.pendingPos == len(d.pending) {
		return window[:n], found, d.pendingSt
	}

	return window[:n], found, StatusOK
}

func (d *DechunkBucket) Peek() ([]byte, Status) {
	if d.pendingPos < len(d.pending) {
		return d.pending[d.pendingPos:], StatusOK
	}

	if d.state == chunkData && d.left > 0 {
		data, st := d.stream.Peek()
		if int64(len(data)) > d.left {
			data = data[:d.left]
		}
		if st == StatusEOF && len(data) > 0 {
			// More framing follows the payload, so this is not the end.
			st = StatusOK
		}
		return data, st
	}
	if d.state == chunkDone {
		return nil, StatusEOF
	}

	return nil, StatusAgain
}

func (d *DechunkBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, Status) {
	return ReadIovecViaRead(d, maxBytes, maxVecs)
}

func (d *DechunkBucket) Destroy() {
	d.freePending()
	d.stream.Destroy()
}

func (d *DechunkBucket) SetConfig(cfg *Config) Status {
	return d.stream.SetConfig(cfg)
}
