package bpipe

import (
	"strings"

	"github.com/samber/lo"
)

// headerEntry is one name/value pair in insertion order.
type headerEntry struct {
	name  string
	value string
}

// HeadersBucket is an ordered, case-insensitive multimap of HTTP headers that
// can also emit itself as header bytes through the bucket read protocol.
type HeadersBucket struct {
	alloc *Allocator
	list  []headerEntry
	index map[string]int

	serialized []byte
	pos        int
}

// NewHeaders inits an empty headers bucket.
func NewHeaders(alloc *Allocator) *HeadersBucket {
	return &HeadersBucket{alloc: alloc, index: make(map[string]int)}
}

// Set stores a header. The name compares case-insensitively; setting an
// existing name appends the new value to the old one, comma separated. The
// casing of the first Set wins for emission.
func (h *HeadersBucket) Set(name, value string) {
	key := strings.ToLower(name)
	if i, ok := h.index[key]; ok {
		h.list[i].value += "," + value
	} else {
		h.index[key] = len(h.list)
		h.list = append(h.list, headerEntry{name: name, value: value})
	}
	h.serialized = nil
}

// Get returns the value stored under name, case-insensitively.
func (h *HeadersBucket) Get(name string) (string, bool) {
	i, ok := h.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return h.list[i].value, true
}

// GetDefault returns the value under name or the empty string.
func (h *HeadersBucket) GetDefault(name string) string {
	v, _ := h.Get(name)
	return v
}

// Each visits every header in insertion order.
func (h *HeadersBucket) Each(fn func(name, value string)) {
	for _, e := range h.list {
		fn(e.name, e.value)
	}
}

// Names lists the header names in insertion order.
func (h *HeadersBucket) Names() []string {
	return lo.Map(h.list, func(e headerEntry, _ int) string { return e.name })
}

// Len is the number of distinct header names.
func (h *HeadersBucket) Len() int { return len(h.list) }

// serialize renders "Name: Value CRLF" per entry, terminated by one extra
// CRLF. Emission always uses CRLF regardless of what was parsed.
func (h *HeadersBucket) serialize() []byte {
	if h.serialized == nil {
		var sb strings.Builder
		for _, e := range h.list {
			sb.WriteString(e.name)
			sb.WriteString(": ")
			sb.WriteString(e.value)
			sb.WriteString("\r\n")
		}
		sb.WriteString("\r\n")
		h.serialized = []byte(sb.String())
	}

	return h.serialized
}

func (h *HeadersBucket) remaining() []byte { return h.serialize()[h.pos:] }

func (h *HeadersBucket) Read(max int) ([]byte, Status) {
	rest := h.remaining()
	n := clampRequest(max, len(rest))
	h.pos += n

	data := rest[:n]
	if len(h.remaining()) == 0 {
		return data, StatusEOF
	}

	return data, StatusOK
}

func (h *HeadersBucket) ReadLine(acceptable LineEnd) ([]byte, LineEnd, Status) {
	rest := h.remaining()
	n, found := ScanLineEnd(rest, acceptable)
	h.pos += n

	data := rest[:n]
	if len(h.remaining()) == 0 {
		return data, found, StatusEOF
	}

	return data, found, StatusOK
}

func (h *HeadersBucket) Peek() ([]byte, Status) {
	return h.remaining(), StatusEOF
}

func (h *HeadersBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, Status) {
	return ReadIovecViaRead(h, maxBytes, maxVecs)
}

func (h *HeadersBucket) Destroy() {
	h.list = nil
	h.index = nil
	h.serialized = nil
}

func (h *HeadersBucket) SetConfig(*Config) Status { return StatusOK }
