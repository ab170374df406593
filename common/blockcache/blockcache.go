// Package blockcache provides a block-oriented write-back cache over a volume
// image. Blocks are loaded lazily, handed out as slices of one contiguous
// buffer, and written back only when marked dirty.
//
// Besides plain reads and writes, the cache offers scoped mutation of a byte
// range within one block: [BlockCache.Prepare] takes the block's lock and
// snapshots the range, and the resulting [Chunk] is either committed (marked
// dirty) or rolled back when released.
//
// All block indices begin at 0.
package blockcache

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/lockmap"
	"github.com/dargueta/xiafs/errors"
	"github.com/hashicorp/go-multierror"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
//   - `blockIndex` is in the range [0, TotalBlocks).
//   - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// ResizeCallback is called to grow or shrink the backing storage. It takes the
// new total number of blocks. It must not modify existing block contents.
type ResizeCallback func(newTotalBlocks c.LogicalBlock) error

type BlockCache struct {
	// mu guards the bitmaps, the callbacks (streams usually can't be shared
	// between goroutines) and resizing. It does not guard block contents;
	// those are protected by the per-block locks in `locks`.
	mu            sync.Mutex
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	resize        ResizeCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
	locks         *lockmap.LockMap
}

// New creates a new BlockCache.
//
// `resizeCb` may be nil, in which case resizing always fails with
// [errors.ENOTSUP].
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
	resizeCb ResizeCallback,
) *BlockCache {
	if resizeCb == nil {
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return errors.ErrNotSupported.WithMessage(
				fmt.Sprintf(
					"resizing is not supported; size fixed at %d bytes",
					bytesPerBlock*totalBlocks,
				),
			)
		}
	}

	return &BlockCache{
		loadedBlocks:  bitmap.NewSlice(int(totalBlocks)),
		dirtyBlocks:   bitmap.NewSlice(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		resize:        resizeCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
		locks:         lockmap.New(),
	}
}

// WrapStream creates a [BlockCache] that wraps any [io.ReadWriteSeeker],
// optionally forbidding resizing the stream. To support resizing, `stream` must
// implement [common.Truncator], equivalent to [os.File.Truncate].
//
// Reading a block that lies (partly) beyond the end of the stream yields zero
// bytes for the missing part, so a blank stream can be formatted in place.
func WrapStream(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	totalBlocks uint,
	allowResize bool,
) *BlockCache {
	// Some streams refuse to seek past their end, so find it once up front.
	streamSize, sizeErr := stream.Seek(0, io.SeekEnd)

	fetchCb := func(block c.LogicalBlock, buffer []byte) error {
		if sizeErr != nil {
			return sizeErr
		}

		blockOffset := int64(block) * int64(bytesPerBlock)
		if blockOffset >= streamSize {
			clear(buffer)
			return nil
		}

		err := seekToBlock(stream, block, bytesPerBlock)
		if err != nil {
			return err
		}

		readSize := int64(len(buffer))
		if blockOffset+readSize > streamSize {
			readSize = streamSize - blockOffset
		}
		_, err = io.ReadFull(stream, buffer[:readSize])
		clear(buffer[readSize:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		return err
	}

	flushCb := func(block c.LogicalBlock, buffer []byte) error {
		err := seekToBlock(stream, block, bytesPerBlock)
		if err != nil {
			return err
		}
		_, err = stream.Write(buffer)
		return err
	}

	var resizeCb ResizeCallback
	truncator, streamHasTruncate := stream.(c.Truncator)

	if allowResize && streamHasTruncate {
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return truncator.Truncate(int64(newTotalBlocks) * int64(bytesPerBlock))
		}
	} else {
		// Not ENOSYS: resizing *is* supported, just not for this stream.
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return errors.ErrNotSupported.WithMessage("stream can't be resized")
		}
	}

	return New(bytesPerBlock, totalBlocks, fetchCb, flushCb, resizeCb)
}

// seekToBlock sets the stream pointer for a stream to the offset of a block.
func seekToBlock(stream io.Seeker, block c.LogicalBlock, bytesPerBlock uint) error {
	blockOffset := int64(block) * int64(bytesPerBlock)
	_, err := stream.Seek(blockOffset, io.SeekStart)
	return err
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks. To change the size of
// the cache, use the Resize() function.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// LengthToNumBlocks gives the minimum number of blocks required to hold the
// given number of bytes.
func (cache *BlockCache) LengthToNumBlocks(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}

// checkBounds verifies that `bufferSize` bytes can be accessed in the cache
// starting from block `start`.
func (cache *BlockCache) checkBounds(start c.LogicalBlock, bufferSize uint) error {
	numBlocks := cache.LengthToNumBlocks(bufferSize)

	if uint(start) >= cache.totalBlocks || uint(start)+numBlocks > cache.totalBlocks {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"can't access %d bytes (%d blocks) from block %d; range not in [0, %d)",
				bufferSize,
				numBlocks,
				start,
				cache.totalBlocks,
			),
		)
	}
	return nil
}

// GetSlice returns a slice pointing to the cache's storage, beginning at block
// `start` and continuing for `count` blocks.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) GetSlice(start c.LogicalBlock, count uint) ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	err := cache.loadBlockRange(start, count)
	if err != nil {
		return nil, err
	}
	return cache.sliceOf(start, count), nil
}

// Block is shorthand for GetSlice(index, 1).
func (cache *BlockCache) Block(index c.LogicalBlock) ([]byte, error) {
	return cache.GetSlice(index, 1)
}

func (cache *BlockCache) sliceOf(start c.LogicalBlock, count uint) []byte {
	startOffset := uint(start) * cache.bytesPerBlock
	endOffset := startOffset + (count * cache.bytesPerBlock)
	return cache.data[startOffset:endOffset:endOffset]
}

// Data returns a slice of the entire cache's data, loading every missing block
// first.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty.
func (cache *BlockCache) Data() ([]byte, error) {
	err := cache.LoadAll()
	if err != nil {
		return nil, err
	}
	return cache.data, nil
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from storage. The caller
// must hold `mu`.
func (cache *BlockCache) loadBlockRange(start c.LogicalBlock, count uint) error {
	err := cache.checkBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for blockIndex := uint(start); blockIndex < uint(start)+count; blockIndex++ {
		// Dirty blocks are loaded by definition, so checking `loadedBlocks` is
		// enough.
		if cache.loadedBlocks.Get(int(blockIndex)) {
			continue
		}

		buffer := cache.sliceOf(c.LogicalBlock(blockIndex), 1)
		err = cache.fetch(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return errors.ErrIOFailed.Wrap(
				fmt.Errorf("failed to load block %d from source: %w", blockIndex, err))
		}

		cache.loadedBlocks.Set(int(blockIndex), true)
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}

	return nil
}

// flushBlockRange writes out all dirty blocks (and only dirty blocks) to the
// underlying storage and marks them as clean. A block that fails to flush stays
// dirty; the remaining blocks are still attempted and every failure is
// reported.
func (cache *BlockCache) flushBlockRange(start c.LogicalBlock, count uint) error {
	err := cache.checkBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	var result error
	for blockIndex := uint(start); blockIndex < uint(start)+count; blockIndex++ {
		if !cache.dirtyBlocks.Get(int(blockIndex)) {
			continue
		}

		err = cache.flush(c.LogicalBlock(blockIndex), cache.sliceOf(c.LogicalBlock(blockIndex), 1))
		if err != nil {
			result = multierror.Append(
				result, fmt.Errorf("failed to flush block %d to storage: %w", blockIndex, err))
			continue
		}
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}

	if result != nil {
		return errors.ErrIOFailed.Wrap(result)
	}
	return nil
}

// LoadAll ensures all missing blocks are loaded from storage into the cache.
func (cache *BlockCache) LoadAll() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.loadBlockRange(0, cache.totalBlocks)
}

// Flush flushes all dirty blocks from the cache into storage, and marks them
// as clean.
func (cache *BlockCache) Flush() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.flushBlockRange(0, cache.totalBlocks)
}

// IsDirty reports whether a block has been modified since it was last flushed.
func (cache *BlockCache) IsDirty(block c.LogicalBlock) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if uint(block) >= cache.totalBlocks {
		return false
	}
	return cache.dirtyBlocks.Get(int(block))
}

// ReadAt fills `buffer` with data beginning at block `start`, loading any
// missing blocks first. `buffer` does not need to be an exact multiple of the
// size of one block.
//
// Attempting to read past the end of the cache will result in an error, and
// `buffer` will be left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, start c.LogicalBlock) (int, error) {
	bufLen := uint(len(buffer))
	err := cache.checkBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	sourceData, err := cache.GetSlice(start, cache.LengthToNumBlocks(bufLen))
	if err != nil {
		return 0, err
	}
	return copy(buffer, sourceData), nil
}

// WriteAt copies data into the cache from `buffer`, beginning at block `start`.
// All modified blocks are marked as dirty. `buffer` does not need to be an
// exact multiple of the size of one block.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, start c.LogicalBlock) (int, error) {
	bufLen := uint(len(buffer))
	err := cache.checkBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	numBlocks := cache.LengthToNumBlocks(bufLen)
	targetByteSlice, err := cache.GetSlice(start, numBlocks)
	if err != nil {
		return 0, err
	}

	n := copy(targetByteSlice, buffer)
	return n, cache.MarkBlockRangeDirty(start, numBlocks)
}

// Resize changes the number of blocks in the cache. Blocks are added to and
// removed from the end.
//
// New blocks are zeroed and treated as dirty, so flushing the cache writes
// them out. Slices obtained before a resize no longer alias the cache.
func (cache *BlockCache) Resize(newTotalBlocks uint) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	err := cache.resize(c.LogicalBlock(newTotalBlocks))
	if err != nil {
		return err
	}

	newCacheData := make([]byte, newTotalBlocks*cache.bytesPerBlock)
	copy(newCacheData, cache.data)

	newDirtyBlocks := bitmap.Bitmap(bitmap.NewSlice(int(newTotalBlocks)))
	newLoadedBlocks := bitmap.Bitmap(bitmap.NewSlice(int(newTotalBlocks)))
	copy(newDirtyBlocks, cache.dirtyBlocks)
	copy(newLoadedBlocks, cache.loadedBlocks)

	// Unmarked new blocks would never be written, leaving whatever garbage the
	// backing storage had there.
	for i := cache.totalBlocks; i < newTotalBlocks; i++ {
		newDirtyBlocks.Set(int(i), true)
		newLoadedBlocks.Set(int(i), true)
	}

	cache.data = newCacheData
	cache.dirtyBlocks = newDirtyBlocks
	cache.loadedBlocks = newLoadedBlocks
	cache.totalBlocks = newTotalBlocks
	return nil
}

// MarkBlockRangeDirty marks a range of blocks as modified. They will be written
// out to the backing storage on the next call to [BlockCache.Flush].
func (cache *BlockCache) MarkBlockRangeDirty(start c.LogicalBlock, count uint) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	err := cache.checkBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for i := uint(start); i < uint(start)+count; i++ {
		cache.dirtyBlocks.Set(int(i), true)
		cache.loadedBlocks.Set(int(i), true)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Scoped mutation

// Chunk is a locked byte range inside one cached block. Modify the slice
// returned by [Chunk.Bytes], then call [Chunk.Commit] to keep the changes.
// [Chunk.Release] must always be called; if the chunk wasn't committed it
// restores the bytes that were there when it was prepared.
type Chunk struct {
	cache     *BlockCache
	block     c.LogicalBlock
	offset    uint
	data      []byte
	original  []byte
	committed bool
	released  bool
}

// Prepare locks `block` and returns a [Chunk] covering `length` bytes starting
// at `offset` within it.
func (cache *BlockCache) Prepare(block c.LogicalBlock, offset, length uint) (*Chunk, error) {
	if offset+length > cache.bytesPerBlock {
		return nil, errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"range [%d, %d) doesn't fit in a %d-byte block",
				offset,
				offset+length,
				cache.bytesPerBlock,
			),
		)
	}

	blockData, err := cache.Block(block)
	if err != nil {
		return nil, err
	}

	cache.locks.Acquire(uint64(block))

	data := blockData[offset : offset+length : offset+length]
	original := make([]byte, length)
	copy(original, data)

	return &Chunk{
		cache:    cache,
		block:    block,
		offset:   offset,
		data:     data,
		original: original,
	}, nil
}

// Bytes returns the locked range. It aliases the cache.
func (chunk *Chunk) Bytes() []byte {
	return chunk.data
}

// Block returns the index of the block this chunk lives in.
func (chunk *Chunk) Block() c.LogicalBlock {
	return chunk.block
}

// Offset returns the chunk's starting offset within its block.
func (chunk *Chunk) Offset() uint {
	return chunk.offset
}

// Commit marks the chunk's block dirty. The lock is still held until
// [Chunk.Release] is called.
func (chunk *Chunk) Commit() error {
	if chunk.released {
		return errors.ErrInvalidArgument.WithMessage("chunk already released")
	}

	err := chunk.cache.MarkBlockRangeDirty(chunk.block, 1)
	if err != nil {
		return err
	}
	chunk.committed = true
	return nil
}

// Release rolls back uncommitted changes and unlocks the block. Calling it more
// than once is harmless.
func (chunk *Chunk) Release() {
	if chunk.released {
		return
	}
	if !chunk.committed {
		copy(chunk.data, chunk.original)
	}
	chunk.released = true
	chunk.cache.locks.Release(uint64(chunk.block))
}
