package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxRepeat is the longest run a single RLE8 group can describe: the two
// literal bytes plus 255 repeats.
const maxRepeat = 257

// encodeRun appends the RLE8 representation of `run` to `out`.
func encodeRun(out []byte, run ByteRun) []byte {
	remaining := run.RunLength
	for remaining >= 2 {
		groupLength := remaining
		if groupLength > maxRepeat {
			groupLength = maxRepeat
		}
		out = append(out, run.Byte, run.Byte, byte(groupLength-2))
		remaining -= groupLength
	}
	if remaining == 1 {
		out = append(out, run.Byte)
	}
	return out
}

// CompressRLE8 reads bytes from the input and writes RLE8-encoded data to the
// output until the input is exhausted. It returns the number of bytes written.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	grouper := NewRunGrouper(input)
	encoded := make([]byte, 0, 16)
	totalBytesWritten := int64(0)

	for {
		run, err := grouper.NextRun()
		if errors.Is(err, io.EOF) {
			return totalBytesWritten, nil
		} else if err != nil {
			return totalBytesWritten, err
		}

		encoded = encodeRun(encoded[:0], run)
		n, err := output.Write(encoded)
		totalBytesWritten += int64(n)
		if err != nil {
			return totalBytesWritten, err
		}
	}
}

// DecompressRLE8 reverses [CompressRLE8]. It returns the number of bytes
// written to the output.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	totalBytesWritten := int64(0)
	previous := -1

	for {
		current, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return totalBytesWritten, nil
		} else if err != nil {
			return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
		}

		var chunk []byte
		if int(current) == previous {
			repeatCount, err := source.ReadByte()
			if errors.Is(err, io.EOF) {
				return totalBytesWritten, fmt.Errorf(
					"%w: missing repeat count after two %#02x bytes",
					io.ErrUnexpectedEOF,
					current,
				)
			} else if err != nil {
				return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
			}

			// One copy of the byte went out on the previous iteration already.
			chunk = bytes.Repeat([]byte{current}, int(repeatCount)+1)

			// A group is complete; the next byte starts fresh even if it has the
			// same value, otherwise runs over 257 bytes would decode wrong.
			previous = -1
		} else {
			chunk = []byte{current}
			previous = int(current)
		}

		n, err := output.Write(chunk)
		totalBytesWritten += int64(n)
		if err != nil {
			return totalBytesWritten, fmt.Errorf("failed to write to output: %w", err)
		}
	}
}
