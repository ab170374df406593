package xiafs

import (
	"fmt"
	"io"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/errors"
)

// readableInode loads an inode whose contents can be read as bytes.
func (v *Volume) readableInode(ino Inumber) (Inode, error) {
	inode, err := v.ReadInode(ino)
	if err != nil {
		return Inode{}, err
	}
	if inode.IsDir() {
		return Inode{}, errors.ErrIsADirectory.WithMessage(
			fmt.Sprintf("inode %d is a directory", ino))
	}
	if !inode.HasZoneTree() {
		return Inode{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode %d (mode %#o) has no contents", ino, inode.Mode))
	}
	return inode, nil
}

// writableInode loads a regular file for modification.
func (v *Volume) writableInode(ino Inumber) (Inode, error) {
	err := v.checkWritable()
	if err != nil {
		return Inode{}, err
	}

	inode, err := v.ReadInode(ino)
	if err != nil {
		return Inode{}, err
	}
	if inode.IsDir() {
		return Inode{}, errors.ErrIsADirectory.WithMessage(
			fmt.Sprintf("inode %d is a directory", ino))
	}
	if !inode.IsRegular() {
		return Inode{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode %d (mode %#o) is not a regular file", ino, inode.Mode))
	}
	return inode, nil
}

// ReadAt reads file data starting at byte `offset`. Holes read as zeros. Like
// [io.ReaderAt], it returns [io.EOF] if it couldn't fill `buffer` because the
// file ended.
func (v *Volume) ReadAt(ino Inumber, buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	v.nsLock.RLock()
	defer v.nsLock.RUnlock()
	defer v.lockInode(ino)()

	inode, err := v.readableInode(ino)
	if err != nil {
		return 0, err
	}
	return v.readAt(&inode, buffer, uint64(offset))
}

func (v *Volume) readAt(inode *Inode, buffer []byte, offset uint64) (int, error) {
	size := uint64(inode.Size)
	if offset >= size {
		if len(buffer) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	toRead := buffer
	if uint64(len(toRead)) > size-offset {
		toRead = toRead[:size-offset]
	}

	zoneSize := uint64(v.geometry.ZoneSize())
	done := 0
	for done < len(toRead) {
		position := offset + uint64(done)
		index := uint(position / zoneSize)
		within := uint(position % zoneSize)
		chunk := toRead[done:]
		if uint64(len(chunk)) > zoneSize-uint64(within) {
			chunk = chunk[:zoneSize-uint64(within)]
		}

		zone, _, err := v.itree.Resolve(inode, index, false)
		if err != nil {
			return done, err
		}
		if zone == Hole {
			clear(chunk)
		} else {
			data, err := v.cache.Block(c.LogicalBlock(zone))
			if err != nil {
				return done, err
			}
			copy(chunk, data[within:])
		}
		done += len(chunk)
	}

	if done < len(buffer) {
		return done, io.EOF
	}
	return done, nil
}

// ReadFile returns the entire contents of a file or symbolic link.
func (v *Volume) ReadFile(ino Inumber) ([]byte, error) {
	v.nsLock.RLock()
	defer v.nsLock.RUnlock()
	defer v.lockInode(ino)()

	inode, err := v.readableInode(ino)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, inode.Size)
	_, err = v.readAt(&inode, buffer, 0)
	if err == io.EOF {
		err = nil
	}
	return buffer, err
}

// WriteAt writes `data` to a regular file starting at byte `offset`, growing
// the file if needed. Zones are allocated as they're written to; anything
// skipped over stays a hole.
func (v *Volume) WriteAt(ino Inumber, data []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	v.nsLock.RLock()
	defer v.nsLock.RUnlock()
	defer v.lockInode(ino)()

	inode, err := v.writableInode(ino)
	if err != nil {
		return 0, err
	}

	end := uint64(offset) + uint64(len(data))
	if end > v.geometry.MaxFileSize() {
		return 0, errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"writing %d bytes at %d would exceed the maximum file size of %d",
				len(data),
				offset,
				v.geometry.MaxFileSize(),
			),
		)
	}

	written, writeErr := v.writeAt(&inode, data, uint64(offset))

	if written > 0 {
		newEnd := uint64(offset) + uint64(written)
		if newEnd > uint64(inode.Size) {
			inode.Size = uint32(newEnd)
		}
		inode.Touch(v.clock())
	}

	// Zones may have been allocated even if nothing was written.
	err = v.writeInode(&inode)
	if writeErr != nil {
		return written, writeErr
	}
	return written, err
}

func (v *Volume) writeAt(inode *Inode, data []byte, offset uint64) (int, error) {
	zoneSize := uint64(v.geometry.ZoneSize())
	done := 0
	for done < len(data) {
		position := offset + uint64(done)
		index := uint(position / zoneSize)
		within := uint(position % zoneSize)
		source := data[done:]
		if uint64(len(source)) > zoneSize-uint64(within) {
			source = source[:zoneSize-uint64(within)]
		}

		zone, fresh, err := v.itree.Resolve(inode, index, true)
		if err != nil {
			return done, err
		}

		start, length := within, uint(len(source))
		if fresh {
			// New zones have whatever was left on disk, so write all of it.
			start, length = 0, uint(zoneSize)
		}
		chunk, err := v.cache.Prepare(c.LogicalBlock(zone), start, length)
		if err != nil {
			return done, err
		}
		if fresh {
			clear(chunk.Bytes())
		}
		copy(chunk.Bytes()[within-start:], source)
		err = chunk.Commit()
		chunk.Release()
		if err != nil {
			return done, err
		}

		done += len(source)
	}
	return done, nil
}

// Truncate sets the size of a regular file. Shrinking frees the zones past the
// new end; growing leaves a hole.
func (v *Volume) Truncate(ino Inumber, size uint64) error {
	if size > v.geometry.MaxFileSize() {
		return errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("%d is larger than the maximum file size %d", size, v.geometry.MaxFileSize()))
	}

	v.nsLock.RLock()
	defer v.nsLock.RUnlock()
	defer v.lockInode(ino)()

	inode, err := v.writableInode(ino)
	if err != nil {
		return err
	}

	if size < uint64(inode.Size) {
		err = v.shrink(&inode, size)
		if err != nil {
			v.logCleanup(v.writeInode(&inode), "writing inode %d", inode.Number)
			return err
		}
	}

	inode.Size = uint32(size)
	inode.Touch(v.clock())
	return v.writeInode(&inode)
}

// shrink frees the zones past `size` and zeroes the rest of the last zone, so
// growing the file again reads zeros there.
func (v *Volume) shrink(inode *Inode, size uint64) error {
	keep := uint(v.geometry.ZoneCountForSize(size))
	err := v.itree.Truncate(inode, keep)
	if err != nil {
		return err
	}

	zoneSize := uint64(v.geometry.ZoneSize())
	within := uint(size % zoneSize)
	if within == 0 {
		return nil
	}

	zone, _, err := v.itree.Resolve(inode, keep-1, false)
	if err != nil || zone == Hole {
		return err
	}

	chunk, err := v.cache.Prepare(c.LogicalBlock(zone), within, uint(zoneSize)-within)
	if err != nil {
		return err
	}
	defer chunk.Release()
	clear(chunk.Bytes())
	return chunk.Commit()
}
