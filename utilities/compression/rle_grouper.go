package compression

import (
	"bufio"
	"io"
)

// ByteRun represents a single run of a particular byte value.
type ByteRun struct {
	// Byte is the byte value for this run.
	Byte byte
	// RunLength gives the number of times the byte occurs in the run, always at
	// least 1 for a valid run.
	RunLength int
}

// InvalidRun is returned alongside an error, including io.EOF.
var InvalidRun = ByteRun{}

// RunGrouper splits a byte stream into maximal runs of identical bytes.
type RunGrouper struct {
	rd *bufio.Reader
}

func NewRunGrouper(rd io.Reader) RunGrouper {
	return RunGrouper{rd: bufio.NewReader(rd)}
}

// NextRun returns the next run in the stream. At the end of the stream it
// returns [InvalidRun] and io.EOF.
func (grouper RunGrouper) NextRun() (ByteRun, error) {
	first, err := grouper.rd.ReadByte()
	if err != nil {
		return InvalidRun, err
	}

	run := ByteRun{Byte: first, RunLength: 1}
	for {
		next, err := grouper.rd.ReadByte()
		if err == io.EOF {
			return run, nil
		} else if err != nil {
			return InvalidRun, err
		}

		if next != first {
			grouper.rd.UnreadByte()
			return run, nil
		}
		run.RunLength++
	}
}
