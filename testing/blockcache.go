// Package testing holds helpers shared by the test suites of the other
// packages: random and blank images, caches over in-memory storage, and
// compressed image loading.
package testing

import (
	"crypto/rand"
	"fmt"
	"testing"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/blockcache"
	"github.com/dargueta/xiafs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CreateRandomImage creates an image with the given number of blocks and bytes
// per block, filled with random bytes. It either returns a valid slice or
// fails the test and aborts.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// MemoryImage is block storage kept in a byte slice that records how often
// each block was fetched and flushed. Out-of-bounds or forbidden accesses fail
// the test that owns it.
type MemoryImage struct {
	Data          []byte
	BytesPerBlock uint
	TotalBlocks   uint
	Writable      bool
	Fetches       map[c.LogicalBlock]int
	Flushes       map[c.LogicalBlock]int
	t             *testing.T
}

// NewMemoryImage wraps `backingData`, which must hold at least
// `bytesPerBlock * totalBlocks` bytes. Pass nil to get random contents.
func NewMemoryImage(
	bytesPerBlock, totalBlocks uint, writable bool, backingData []byte, t *testing.T,
) *MemoryImage {
	if backingData == nil {
		backingData = CreateRandomImage(bytesPerBlock, totalBlocks, t)
	}
	require.GreaterOrEqual(t, uint(len(backingData)), bytesPerBlock*totalBlocks)

	return &MemoryImage{
		Data:          backingData,
		BytesPerBlock: bytesPerBlock,
		TotalBlocks:   totalBlocks,
		Writable:      writable,
		Fetches:       make(map[c.LogicalBlock]int),
		Flushes:       make(map[c.LogicalBlock]int),
		t:             t,
	}
}

func (image *MemoryImage) blockRange(blockIndex c.LogicalBlock) (uint, uint, error) {
	if uint(blockIndex) >= image.TotalBlocks {
		message := fmt.Sprintf(
			"attempted to access block %d, not in [0, %d)", blockIndex, image.TotalBlocks)
		image.t.Error(message)
		return 0, 0, errors.ErrIOFailed.WithMessage(message)
	}
	start := uint(blockIndex) * image.BytesPerBlock
	return start, start + image.BytesPerBlock, nil
}

// Fetch implements [blockcache.FetchBlockCallback].
func (image *MemoryImage) Fetch(blockIndex c.LogicalBlock, buffer []byte) error {
	start, end, err := image.blockRange(blockIndex)
	if err != nil {
		return err
	}
	image.Fetches[blockIndex]++
	copy(buffer, image.Data[start:end])
	return nil
}

// Flush implements [blockcache.FlushBlockCallback].
func (image *MemoryImage) Flush(blockIndex c.LogicalBlock, buffer []byte) error {
	if !image.Writable {
		message := fmt.Sprintf(
			"attempted to write %d bytes to block %d of read-only image",
			len(buffer),
			blockIndex,
		)
		image.t.Error(message)
		return errors.ErrReadOnlyFileSystem.WithMessage(message)
	}

	start, end, err := image.blockRange(blockIndex)
	if err != nil {
		return err
	}
	image.Flushes[blockIndex]++
	copy(image.Data[start:end], buffer)
	return nil
}

// Cache returns a non-resizable block cache on top of the image.
func (image *MemoryImage) Cache() *blockcache.BlockCache {
	cache := blockcache.New(
		image.BytesPerBlock, image.TotalBlocks, image.Fetch, image.Flush, nil)
	assert.EqualValues(image.t, image.BytesPerBlock, cache.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(image.t, image.TotalBlocks, cache.TotalBlocks(), "wrong total blocks")
	return cache
}

// CreateDefaultCache creates a block cache over an in-memory image. If
// `backingData` is nil the image is filled with random bytes. When `writable`
// is false, any flush fails the test.
func CreateDefaultCache(
	bytesPerBlock,
	totalBlocks uint,
	writable bool,
	backingData []byte,
	t *testing.T,
) *blockcache.BlockCache {
	return NewMemoryImage(bytesPerBlock, totalBlocks, writable, backingData, t).Cache()
}
