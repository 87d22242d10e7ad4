// Package bpipetest provides a scripted mock bucket and drain helpers for
// testing bucket pipelines.
package bpipetest

import "github.com/advdv/bpipe"

// MockAction is one scripted delivery from a MockBucket. Data arrives as a
// unit; reads never cross an action boundary, so actions model network
// arrival boundaries.
type MockAction struct {
	// Times repeats the action; zero means once.
	Times int
	// Data is delivered before Status applies.
	Data string
	// Status accompanies the final byte of Data. An action with no data and
	// StatusAgain blocks the bucket until MoreDataArrived is called.
	Status bpipe.Status
}

// MockBucket replays a script of deliveries through the bucket read protocol.
type MockBucket struct {
	actions []MockAction
	cur     []byte
	curSt   bpipe.Status
	loaded  bool
}

// NewMock inits a mock bucket over the given script.
func NewMock(_ *bpipe.Allocator, actions ...MockAction) *MockBucket {
	expanded := make([]MockAction, 0, len(actions))
	for _, a := range actions {
		times := a.Times
		if times < 1 {
			times = 1
		}
		for i := 0; i < times; i++ {
			expanded = append(expanded, a)
		}
	}

	return &MockBucket{actions: expanded}
}

// MoreDataArrived unblocks the bucket from a pending AGAIN action, simulating
// the arrival of bytes on the wire.
func (m *MockBucket) MoreDataArrived() {
	if len(m.actions) > 0 && m.actions[0].Data == "" && m.actions[0].Status == bpipe.StatusAgain {
		m.actions = m.actions[1:]
	}
}

// load makes the next delivery current. It reports false when the bucket is
// blocked on an AGAIN action.
func (m *MockBucket) load() bool {
	if m.loaded && len(m.cur) > 0 {
		return true
	}
	m.loaded = false

	for len(m.actions) > 0 {
		next := m.actions[0]
		if next.Data == "" && next.Status == bpipe.StatusAgain {
			return false
		}

		m.actions = m.actions[1:]
		m.cur = []byte(next.Data)
		m.curSt = next.Status
		m.loaded = true
		return true
	}

	return true
}

// status is what accompanies a read that just drained the current delivery.
func (m *MockBucket) status() bpipe.Status {
	if len(m.cur) > 0 {
		return bpipe.StatusOK
	}
	m.loaded = false

	st := m.curSt
	m.curSt = bpipe.StatusOK
	if st == bpipe.StatusOK && len(m.actions) == 0 {
		return bpipe.StatusEOF
	}
	return st
}

func (m *MockBucket) Read(max int) ([]byte, bpipe.Status) {
	if !m.load() {
		return nil, bpipe.StatusAgain
	}
	if !m.loaded {
		return nil, bpipe.StatusEOF
	}

	n := len(m.cur)
	if max != bpipe.AllAvail && max < n {
		n = max
	}
	data := m.cur[:n]
	m.cur = m.cur[n:]

	return data, m.status()
}

func (m *MockBucket) ReadLine(acceptable bpipe.LineEnd) ([]byte, bpipe.LineEnd, bpipe.Status) {
	if !m.load() {
		return nil, bpipe.LineEndNone, bpipe.StatusAgain
	}
	if !m.loaded {
		return nil, bpipe.LineEndNone, bpipe.StatusEOF
	}

	n, found := bpipe.ScanLineEnd(m.cur, acceptable)
	data := m.cur[:n]
	m.cur = m.cur[n:]

	return data, found, m.status()
}

func (m *MockBucket) Peek() ([]byte, bpipe.Status) {
	if !m.load() {
		return nil, bpipe.StatusAgain
	}
	if !m.loaded {
		return nil, bpipe.StatusEOF
	}
	if len(m.actions) == 0 && len(m.cur) == 0 {
		return nil, bpipe.StatusEOF
	}
	if len(m.actions) == 0 {
		return m.cur, bpipe.StatusEOF
	}

	return m.cur, bpipe.StatusOK
}

func (m *MockBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, bpipe.Status) {
	return bpipe.ReadIovecViaRead(m, maxBytes, maxVecs)
}

func (m *MockBucket) Destroy() {
	m.actions = nil
	m.cur = nil
	m.loaded = false
}

func (m *MockBucket) SetConfig(*bpipe.Config) bpipe.Status { return bpipe.StatusOK }

var _ bpipe.Bucket = &MockBucket{}
