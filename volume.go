package xiafs

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/blockcache"
	"github.com/dargueta/xiafs/common/lockmap"
	"github.com/dargueta/xiafs/errors"
)

// MaxLinks is the most links an inode can have.
const MaxLinks = 64000

// Volume is a mounted xiafs volume.
//
// Namespace changes (anything that adds, removes or renames a directory
// record) are serialized by a volume-wide lock. Reads of file data and file
// writes share that lock and additionally lock the inode they're working on.
type Volume struct {
	stream   io.ReadWriteSeeker
	cache    *blockcache.BlockCache
	geometry Geometry
	alloc    *Allocator
	itree    *Translator
	dirs     *Directories
	logger   *log.Logger
	clock    func() time.Time
	options  MountOptions

	nsLock     sync.RWMutex
	inodeLocks *lockmap.LockMap
}

// Mount opens the volume stored in `stream`.
func Mount(stream io.ReadWriteSeeker, options MountOptions) (*Volume, error) {
	if options.Logger == nil {
		options.Logger = log.Default()
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}

	_, err := stream.Seek(0, io.SeekStart)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	header := make([]byte, MinZoneSize)
	_, err = io.ReadFull(stream, header)
	if err != nil {
		return nil, errors.ErrInvalidFileSystem.Wrap(
			fmt.Errorf("can't read the superblock: %w", err))
	}

	geometry, err := ParseSuperblock(header)
	if err != nil {
		return nil, err
	}

	imageSize, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	expectedSize := int64(geometry.TotalZones()) * int64(geometry.ZoneSize())
	if imageSize < expectedSize {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"image is %d bytes but the superblock says the volume is %d bytes",
				imageSize,
				expectedSize,
			),
		)
	}

	cache := blockcache.WrapStream(stream, geometry.ZoneSize(), geometry.TotalZones(), false)
	alloc, err := NewAllocator(cache, geometry, options.Logger)
	if err != nil {
		return nil, err
	}
	itree := NewTranslator(cache, geometry, alloc, options.Logger)

	volume := &Volume{
		stream:     stream,
		cache:      cache,
		geometry:   geometry,
		alloc:      alloc,
		itree:      itree,
		dirs:       NewDirectories(cache, geometry, itree, options.Logger, options.Clock),
		logger:     options.Logger,
		clock:      options.Clock,
		options:    options,
		inodeLocks: lockmap.New(),
	}

	root, err := volume.ReadInode(RootInumber)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("root inode has mode %#o, not a directory", root.Mode))
	}

	if options.Verbose {
		volume.logger.Printf(
			"xiafs: mounted %d zones of %d bytes, %d inodes, data at zone %d, %d/%d zones free",
			geometry.TotalZones(),
			geometry.ZoneSize(),
			geometry.TotalInodes(),
			geometry.FirstDataZone(),
			alloc.CountFree(ZoneBitmap),
			geometry.DataZones(),
		)
	}
	return volume, nil
}

// Geometry returns the volume's layout.
func (v *Volume) Geometry() Geometry {
	return v.geometry
}

// Allocator exposes the bitmaps, mostly for statistics and checking.
func (v *Volume) Allocator() *Allocator {
	return v.alloc
}

// Flush writes all pending changes to the underlying stream.
func (v *Volume) Flush() error {
	if v.options.ReadOnly {
		return nil
	}
	return v.cache.Flush()
}

// Unmount flushes the volume. The Volume must not be used afterwards.
func (v *Volume) Unmount() error {
	v.nsLock.Lock()
	defer v.nsLock.Unlock()
	return v.Flush()
}

// FSStat reports the volume's capacity and usage. The free counts aren't
// taken under any lock and may be slightly stale.
func (v *Volume) FSStat() FSStat {
	freeZones := uint64(v.alloc.CountFree(ZoneBitmap))
	return FSStat{
		BlockSize:       v.geometry.ZoneSize(),
		TotalBlocks:     uint64(v.geometry.DataZones()),
		BlocksFree:      freeZones,
		BlocksAvailable: freeZones,
		Files:           uint64(v.geometry.TotalInodes()),
		FilesFree:       uint64(v.alloc.CountFree(InodeBitmap)),
		MaxNameLength:   MaxNameLength,
	}
}

func (v *Volume) checkWritable() error {
	if v.options.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	return nil
}

func (v *Volume) lockInode(ino Inumber) func() {
	return v.inodeLocks.Lock(uint64(ino))
}

// ReadInode loads an inode record from the inode table.
func (v *Volume) ReadInode(ino Inumber) (Inode, error) {
	zone, offset, err := v.geometry.InodeLocation(ino)
	if err != nil {
		return Inode{}, err
	}

	data, err := v.cache.Block(c.LogicalBlock(zone))
	if err != nil {
		return Inode{}, err
	}
	return DecodeInode(ino, v.geometry.TotalInodes(), data[offset:offset+InodeSize])
}

// writeInode stores an inode record back into the inode table.
func (v *Volume) writeInode(inode *Inode) error {
	zone, offset, err := v.geometry.InodeLocation(inode.Number)
	if err != nil {
		return err
	}

	chunk, err := v.cache.Prepare(c.LogicalBlock(zone), offset, InodeSize)
	if err != nil {
		return err
	}
	defer chunk.Release()

	err = inode.Encode(chunk.Bytes())
	if err != nil {
		return err
	}
	return chunk.Commit()
}

// newInode allocates and initializes an inode for a file being created in
// `dir`. Files created in a setgid directory take the directory's group, and
// subdirectories inherit the setgid bit.
func (v *Volume) newInode(dir *Inode, mode uint16) (Inode, error) {
	ino, err := v.alloc.AllocateInode()
	if err != nil {
		return Inode{}, err
	}

	now := SerializeTimestamp(v.clock())
	inode := Inode{
		Number:     ino,
		Mode:       mode,
		Nlinks:     1,
		UID:        v.options.UID,
		GID:        v.options.GID,
		ChangeTime: now,
		AccessTime: now,
		ModifyTime: now,
	}
	if dir.Mode&S_ISGID != 0 {
		inode.GID = dir.GID
		if inode.IsDir() {
			inode.Mode |= S_ISGID
		}
	}

	err = v.writeInode(&inode)
	if err != nil {
		v.logCleanup(v.alloc.FreeInode(ino), "freeing inode %d", ino)
		return Inode{}, err
	}
	return inode, nil
}

// logCleanup records a failure to undo part of an operation that already
// failed. The original error is what the caller gets back.
func (v *Volume) logCleanup(err error, format string, args ...any) {
	if err != nil {
		v.logger.Printf("xiafs: cleanup failed while %s: %s", fmt.Sprintf(format, args...), err)
	}
}

// evict releases everything an inode owns: its zones, its record and its
// number.
func (v *Volume) evict(inode *Inode) error {
	if inode.HasZoneTree() {
		err := v.itree.Truncate(inode, 0)
		if err != nil {
			return err
		}
	}

	zone, offset, err := v.geometry.InodeLocation(inode.Number)
	if err != nil {
		return err
	}
	chunk, err := v.cache.Prepare(c.LogicalBlock(zone), offset, InodeSize)
	if err != nil {
		return err
	}
	clear(chunk.Bytes())
	err = chunk.Commit()
	chunk.Release()
	if err != nil {
		return err
	}

	return v.alloc.FreeInode(inode.Number)
}

// dropLink decrements the link count of `inode` and evicts it once nothing
// refers to it anymore.
func (v *Volume) dropLink(inode *Inode) error {
	if inode.Nlinks > 0 {
		inode.Nlinks--
	}
	inode.ChangeTime = SerializeTimestamp(v.clock())
	if inode.Nlinks == 0 {
		return v.evict(inode)
	}
	return v.writeInode(inode)
}
