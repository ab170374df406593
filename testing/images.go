package testing

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/xiafs/utilities/compression"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateBlankImage returns a zero-filled, fixed-size in-memory stream of
// `totalBytes` bytes.
func CreateBlankImage(t *testing.T, totalBytes uint) io.ReadWriteSeeker {
	require.Greater(t, totalBytes, uint(0), "image size must be positive")
	return bytesextra.NewReadWriteSeeker(make([]byte, totalBytes))
}

// WrapImage returns a stream over `imageBytes`. Writes to the stream modify
// the slice, so a test can inspect the raw image afterwards.
func WrapImage(imageBytes []byte) io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(imageBytes)
}

// CompressImage packs a raw image the same way images are stored on disk by
// the `pack` command, so a test can round-trip through LoadDiskImage.
func CompressImage(t *testing.T, imageBytes []byte) []byte {
	var buffer bytes.Buffer
	_, err := compression.CompressImage(bytes.NewReader(imageBytes), &buffer)
	require.NoError(t, err, "failed to compress image")
	return buffer.Bytes()
}

// LoadDiskImage takes a compressed disk image and returns a stream to access the
// uncompressed data.
//
//   - Writes to the stream do not affect `compressedImageBytes`.
//   - While the stream can be written to, its size is fixed to
//     `blockSize * totalBlocks`. Writing past the end fails.
func LoadDiskImage(
	t *testing.T, compressedImageBytes []byte, blockSize, totalBlocks uint,
) io.ReadWriteSeeker {
	require.Greater(t, len(compressedImageBytes), 0, "compressed image is empty")

	imageBytes, err := compression.DecompressImageToBytes(
		bytes.NewReader(compressedImageBytes))
	require.NoError(t, err)

	require.Equal(
		t,
		totalBlocks*blockSize,
		uint(len(imageBytes)),
		"uncompressed image is wrong size",
	)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}
