package bpipetest

import "github.com/advdv/bpipe"

// maxDrainSteps caps a drain loop so a bucket that never reaches EOF fails a
// test instead of hanging it.
const maxDrainSteps = 10000

// ReadAll drains b with ALL_AVAIL reads and returns the concatenated bytes
// together with the terminal status (EOF on success, the failure otherwise).
// When the bucket reports AGAIN, onAgain is invoked so the test can simulate
// the arrival of more data; a nil onAgain makes AGAIN terminal.
func ReadAll(b bpipe.Bucket, onAgain func()) ([]byte, bpipe.Status) {
	var out []byte

	for i := 0; i < maxDrainSteps; i++ {
		data, st := b.Read(bpipe.AllAvail)
		out = append(out, data...)

		switch {
		case st == bpipe.StatusOK:
		case st == bpipe.StatusAgain && onAgain != nil:
			onAgain()
		default:
			return out, st
		}
	}

	return out, bpipe.StatusAgain
}

// ReadLines drains b with readline calls, returning every returned fragment
// in order plus the terminal status.
func ReadLines(b bpipe.Bucket, acceptable bpipe.LineEnd) (lines [][]byte, founds []bpipe.LineEnd, st bpipe.Status) {
	for i := 0; i < maxDrainSteps; i++ {
		data, found, rst := b.ReadLine(acceptable)
		if len(data) > 0 {
			lines = append(lines, append([]byte(nil), data...))
			founds = append(founds, found)
		}
		if rst != bpipe.StatusOK {
			return lines, founds, rst
		}
	}

	return lines, founds, bpipe.StatusAgain
}
