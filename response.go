package bpipe

import (
	"bytes"
	"strings"

	"github.com/samber/lo"
)

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateDone
)

type bodyFraming int

const (
	framingUnknown bodyFraming = iota
	framingLength
	framingChunked
	framingClose
)

// StatusLine holds the parsed first line of an HTTP/1.x response. Version is
// packed as major*1000+minor, so HTTP/1.1 is 1001.
type StatusLine struct {
	Version int
	Code    int
	Reason  string
}

// HTTPVersion packs a major/minor pair the way StatusLine.Version stores it.
func HTTPVersion(major, minor int) int { return major*1000 + minor }

// ResponseBucket parses an HTTP/1.x response from a raw byte stream: status
// line, headers, then the body under length, chunked or close-delimited
// framing. It is a hand-written state machine; every read advances the parse
// as far as the underlying stream allows and otherwise returns StatusAgain so
// the I/O loop can come back.
type ResponseBucket struct {
	alloc   *Allocator
	stream  Bucket
	body    Bucket
	lb      lineBuffer
	state   parseState
	sl      StatusLine
	haveSL  bool
	headers *HeadersBucket
	framing bodyFraming
	// bodyLeft counts down the declared Content-Length.
	bodyLeft int64

	// rawStatusLine keeps the status line (without terminator) so
	// BecomeAggregate can re-emit it.
	rawStatusLine []byte

	morphed *AggregateBucket
	cfg     *Config
}

// NewResponse inits a response parser over stream, taking ownership of it.
func NewResponse(stream Bucket, alloc *Allocator) *ResponseBucket {
	return &ResponseBucket{
		alloc:   alloc,
		stream:  stream,
		headers: NewHeaders(alloc),
	}
}

// parseStatusLine validates the buffered line against HTTP/#.# ###.
func (r *ResponseBucket) parseStatusLine() Status {
	line := r.lb.line()
	if len(line) < 12 ||
		!bytes.HasPrefix(line, []byte("HTTP/")) ||
		!isDigit(line[5]) || line[6] != '.' || !isDigit(line[7]) ||
		line[8] != ' ' ||
		!isDigit(line[9]) || !isDigit(line[10]) || !isDigit(line[11]) {
		return StatusBadResponse
	}

	r.sl.Version = HTTPVersion(int(line[5]-'0'), int(line[7]-'0'))

	code, rest := 0, line[9:]
	for len(rest) > 0 && isDigit(rest[0]) {
		code = code*10 + int(rest[0]-'0')
		rest = rest[1:]
	}
	r.sl.Code = code

	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	r.sl.Reason = string(rest)

	r.rawStatusLine = append([]byte(nil), line...)
	r.haveSL = true

	return StatusOK
}

// parseHeaderLine splits the buffered line at the first colon. The name loses
// surrounding whitespace, the value loses leading linear whitespace only.
func (r *ResponseBucket) parseHeaderLine() Status {
	line := r.lb.line()

	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return StatusBadHeader
	}

	name := bytes.TrimSpace(line[:colon])
	value := bytes.TrimLeft(line[colon+1:], " \t")
	r.headers.Set(string(name), string(value))

	return StatusOK
}

// selectFraming decides how the body ends, in the order HTTP requires:
// chunked beats Content-Length beats close-delimited.
func (r *ResponseBucket) selectFraming() Status {
	if te, ok := r.headers.Get("Transfer-Encoding"); ok && hasToken(te, "chunked") {
		r.framing = framingChunked
		r.body = NewDechunk(r.stream, r.alloc, r.headers)
		r.state = stateBody
		return StatusOK
	}

	if cl, ok := r.headers.Get("Content-Length"); ok {
		n, pst := parseContentLength(cl)
		if pst != StatusOK {
			return pst
		}
		r.framing = framingLength
		r.bodyLeft = n
		r.body = r.stream
		r.state = stateBody
		return StatusOK
	}

	r.framing = framingClose
	r.body = r.stream
	r.state = stateBody

	return StatusOK
}

// runMachine advances the parse by one state-machine step.
func (r *ResponseBucket) runMachine() Status {
	switch r.state {
	case stateStatusLine:
		st := r.lb.fetch(r.stream)
		if st != StatusOK {
			return st
		}
		if pst := r.parseStatusLine(); pst != StatusOK {
			return pst
		}
		r.state = stateHeaders

	case stateHeaders:
		for {
			st := r.lb.fetch(r.stream)
			if st != StatusOK {
				return st
			}
			if r.lb.used == 0 {
				// Blank line: the header block is complete.
				return r.selectFraming()
			}
			if pst := r.parseHeaderLine(); pst != StatusOK {
				return pst
			}
		}

	case stateBody, stateDone:
		// Nothing to drive.
	}

	return StatusOK
}

// GetStatus drives the parser until the status line is ready and returns it.
// The status line completes before the headers do.
func (r *ResponseBucket) GetStatus() (StatusLine, Status) {
	for r.state == stateStatusLine {
		if st := r.runMachine(); st != StatusOK {
			return StatusLine{}, st
		}
	}

	return r.sl, StatusOK
}

// WaitForHeaders drives the parser until the body is reached.
func (r *ResponseBucket) WaitForHeaders() Status {
	for r.state == stateStatusLine || r.state == stateHeaders {
		if st := r.runMachine(); st != StatusOK {
			return st
		}
	}

	return StatusOK
}

// GetHeaders returns the header map. It is only meaningful once
// WaitForHeaders (or a body read) succeeded; the reference stays owned by the
// response bucket.
func (r *ResponseBucket) GetHeaders() *HeadersBucket { return r.headers }

// readBody delegates a read through the framing layer. The caller must have
// reached stateBody.
func (r *ResponseBucket) readBody(max int) ([]byte, Status) {
	switch r.framing {
	case framingLength:
		if r.bodyLeft == 0 {
			r.state = stateDone
			return nil, StatusEOF
		}

		req := max
		if req == AllAvail || int64(req) > r.bodyLeft {
			req = int(r.bodyLeft)
		}

		data, st := r.body.Read(req)
		r.bodyLeft -= int64(len(data))
		if st == StatusEOF && r.bodyLeft > 0 {
			// The server closed before delivering the declared length.
			return data, StatusTruncatedHTTPResponse
		}
		if r.bodyLeft == 0 && !st.IsError() {
			r.state = stateDone
			return data, StatusEOF
		}
		return data, st

	default: // chunked and close-delimited both end when the body bucket does
		data, st := r.body.Read(max)
		if st == StatusEOF {
			r.state = stateDone
		}
		return data, st
	}
}

func (r *ResponseBucket) Read(max int) ([]byte, Status) {
	if r.morphed != nil {
		return r.morphed.Read(max)
	}
	if st := r.WaitForHeaders(); st != StatusOK {
		return nil, st
	}

	return r.readBody(max)
}

func (r *ResponseBucket) ReadLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	if r.morphed != nil {
		return r.morphed.ReadLine(acceptable)
	}
	if st := r.WaitForHeaders(); st != StatusOK {
		return nil, LineEndNone, st
	}

	return r.readBodyLine(acceptable)
}

// readBodyLine delegates a readline through the framing layer, keeping the
// Content-Length accounting in step.
func (r *ResponseBucket) readBodyLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	switch r.framing {
	case framingLength:
		if r.bodyLeft == 0 {
			r.state = stateDone
			return nil, LineEndNone, StatusEOF
		}

		data, found, st := r.body.ReadLine(acceptable)
		r.bodyLeft -= int64(len(data))
		if r.bodyLeft < 0 {
			// A pipelined peer can hand us more than the declared length;
			// the overrun belongs to the next response and is not ours to
			// interpret.
			r.bodyLeft = 0
		}
		if st == StatusEOF && r.bodyLeft > 0 {
			return data, found, StatusTruncatedHTTPResponse
		}
		if r.bodyLeft == 0 && !st.IsError() {
			r.state = stateDone
			return data, found, StatusEOF
		}
		return data, found, st

	default:
		data, found, st := r.body.ReadLine(acceptable)
		if st == StatusEOF {
			r.state = stateDone
		}
		return data, found, st
	}
}

func (r *ResponseBucket) Peek() ([]byte, Status) {
	if r.morphed != nil {
		return r.morphed.Peek()
	}
	if st := r.WaitForHeaders(); st != StatusOK {
		return nil, st
	}

	data, st := r.body.Peek()
	if r.framing == framingLength {
		if int64(len(data)) > r.bodyLeft {
			data = data[:r.bodyLeft]
		}
		if st == StatusEOF && int64(len(data)) == r.bodyLeft {
			return data, StatusEOF
		}
	}

	return data, st
}

func (r *ResponseBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, Status) {
	if r.morphed != nil {
		return r.morphed.ReadIovec(maxBytes, maxVecs)
	}

	return ReadIovecViaRead(r, maxBytes, maxVecs)
}

// BecomeAggregate converts the response in place into an aggregate that
// re-emits the status line, the headers, the blank separator, and whatever
// remains of the body. Callers that expected raw response bytes can then read
// this bucket directly. The parse must have reached the body; before that the
// conversion simply re-exposes the raw stream.
func (r *ResponseBucket) BecomeAggregate() {
	if r.morphed != nil {
		return
	}

	agg := NewAggregate(r.alloc)
	if r.haveSL {
		statusLine := append(append([]byte(nil), r.rawStatusLine...), '\r', '\n')
		agg.Append(NewSimpleCopy(statusLine, r.alloc))
	}
	if r.state == stateBody || r.state == stateDone {
		agg.Append(r.headers)
		agg.Append(&responseBody{r})
	} else {
		agg.Append(r.stream)
	}

	if r.cfg != nil {
		agg.SetConfig(r.cfg)
	}
	r.morphed = agg
}

// responseBody exposes the remaining framed body of a morphed response as a
// bucket of its own.
type responseBody struct{ r *ResponseBucket }

func (b *responseBody) Read(max int) ([]byte, Status) { return b.r.readBody(max) }

func (b *responseBody) ReadLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	return b.r.readBodyLine(acceptable)
}

func (b *responseBody) Peek() ([]byte, Status) {
	data, st := b.r.body.Peek()
	if b.r.framing == framingLength && int64(len(data)) > b.r.bodyLeft {
		data = data[:b.r.bodyLeft]
	}
	return data, st
}

func (b *responseBody) ReadIovec(maxBytes, maxVecs int) ([][]byte, Status) {
	return ReadIovecViaRead(b, maxBytes, maxVecs)
}

func (b *responseBody) Destroy() { b.r.destroyStream() }

func (b *responseBody) SetConfig(cfg *Config) Status { return b.r.body.SetConfig(cfg) }

// destroyStream releases the framing layer and the raw stream under it.
func (r *ResponseBucket) destroyStream() {
	if r.body != nil && r.body != r.stream {
		// The framing bucket owns the raw stream.
		r.body.Destroy()
	} else if r.stream != nil {
		r.stream.Destroy()
	}
	r.body, r.stream = nil, nil
}

func (r *ResponseBucket) Destroy() {
	if r.morphed != nil {
		// The aggregate owns the headers and the body remainder now.
		r.morphed.Destroy()
		r.morphed = nil
		return
	}

	r.headers.Destroy()
	r.destroyStream()
}

func (r *ResponseBucket) SetConfig(cfg *Config) Status {
	r.cfg = cfg
	if r.morphed != nil {
		return r.morphed.SetConfig(cfg)
	}

	return r.stream.SetConfig(cfg)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// hasToken reports whether a comma-separated header value contains the token,
// compared case-insensitively.
func hasToken(value, token string) bool {
	return lo.SomeBy(strings.Split(value, ","), func(part string) bool {
		return strings.EqualFold(strings.TrimSpace(part), token)
	})
}

// parseContentLength accepts a non-empty unsigned decimal that fits an int64.
func parseContentLength(v string) (int64, Status) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, StatusBadHeader
	}

	var n int64
	for i := 0; i < len(v); i++ {
		if !isDigit(v[i]) {
			return 0, StatusBadHeader
		}
		d := int64(v[i] - '0')
		if n > (1<<63-1-d)/10 {
			return 0, StatusBadHeader
		}
		n = n*10 + d
	}

	return n, StatusOK
}
