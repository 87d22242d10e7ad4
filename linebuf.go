package bpipe

// lineLimit bounds the length of a single logical line in a status line,
// header, or chunk size line.
const lineLimit = 8000

type lineState int

const (
	lineEmpty lineState = iota
	linePartial
	lineReady
	lineCRLFSplit
)

// lineBuffer accumulates one logical line from a byte stream, tolerating CR,
// LF and CRLF terminators and a CRLF split across two reads. In state
// lineReady the buffer holds one complete line with the terminator stripped.
type lineBuffer struct {
	state lineState
	used  int
	buf   [lineLimit]byte
}

// line is the buffered content; meaningful in state lineReady.
func (lb *lineBuffer) line() []byte { return lb.buf[:lb.used] }

// fetch advances the line buffer by reading from b until a full line is
// buffered or b cannot make progress. It returns StatusOK exactly when a line
// is ready; a previously ready line is considered consumed and the buffer
// resets. Blocking statuses from b pass through; a split CR at the end of a
// read is resolved by peeking at the next byte.
func (lb *lineBuffer) fetch(b Bucket) Status {
	if lb.state == lineReady {
		lb.state = lineEmpty
		lb.used = 0
	}

	for {
		if lb.state == lineCRLFSplit {
			// The previous read ended exactly on a CR. One byte decides
			// whether that was a CRLF; a lone LF is consumed, anything else
			// is left for the next reader.
			data, st := b.Peek()
			if len(data) == 0 {
				return st
			}
			if data[0] == '\n' {
				b.Read(1)
			}
			lb.state = lineReady
			return StatusOK
		}

		data, found, st := b.ReadLine(LineEndAny)
		if st.IsError() {
			return st
		}

		n := len(data)
		switch found {
		case LineEndNone:
			lb.state = linePartial
		case LineEndCRLFSplit:
			// Toss the CR; it terminates the line either way.
			lb.state = lineCRLFSplit
			n--
		case LineEndCRLF:
			lb.state = lineReady
			n -= 2
		default: // CR or LF alone
			lb.state = lineReady
			n--
		}

		if lb.used+n > lineLimit {
			return StatusLineTooLong
		}
		copy(lb.buf[lb.used:], data[:n])
		lb.used += n

		if lb.state == lineReady {
			return StatusOK
		}
		if lb.state == lineCRLFSplit {
			continue
		}
		if st != StatusOK {
			return st
		}
	}
}
