package xiafs

import (
	"io"
	"time"

	"github.com/boljen/go-bitmap"
	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/blockcache"
)

// FormatOptions describes a volume to create.
type FormatOptions struct {
	TotalZones uint
	// ZoneShift gives a zone size of 1024 << ZoneShift bytes.
	ZoneShift uint
	// KernelZones is the number of zones to reserve between the inode table and
	// the data area for a kernel image.
	KernelZones uint
	// RootMode is the root directory's mode. Defaults to DefaultDirectoryMode.
	RootMode uint16
	UID      uint16
	GID      uint16
	// Clock supplies the root directory's timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// Format writes an empty volume to `stream`, which must be able to hold
// TotalZones zones. The boot area is left untouched, as are the kernel and
// data zones other than the root directory's.
func Format(stream io.ReadWriteSeeker, options FormatOptions) (Geometry, error) {
	geometry, err := NewGeometry(options.TotalZones, options.ZoneShift, options.KernelZones)
	if err != nil {
		return Geometry{}, err
	}
	if options.RootMode == 0 {
		options.RootMode = DefaultDirectoryMode
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}

	zoneSize := geometry.ZoneSize()
	cache := blockcache.WrapStream(stream, zoneSize, geometry.TotalZones(), false)

	zone0, err := cache.Block(0)
	if err != nil {
		return Geometry{}, err
	}
	err = geometry.Serialize(zone0)
	if err != nil {
		return Geometry{}, err
	}
	err = cache.MarkBlockRangeDirty(0, 1)
	if err != nil {
		return Geometry{}, err
	}

	// Inode bitmap: bit 0 is reserved, 1 is the root directory and 2 the bad
	// block list. Zone bitmap: bit 0 is reserved and 1 is the root directory's
	// zone.
	err = formatBitmap(
		cache, geometry.InodeMapStart(), uint(geometry.Raw.InodeMapZones), 3, geometry.TotalInodes()+1)
	if err != nil {
		return Geometry{}, err
	}
	err = formatBitmap(
		cache, geometry.ZoneMapStart(), uint(geometry.Raw.ZoneMapZones), 2, geometry.DataZones()+1)
	if err != nil {
		return Geometry{}, err
	}

	inodeTable, err := zeroZones(cache, geometry.InodeTableStart(), geometry.InodeTableZones())
	if err != nil {
		return Geometry{}, err
	}

	now := SerializeTimestamp(options.Clock())
	root := Inode{
		Number:     RootInumber,
		Mode:       S_IFDIR | (options.RootMode & PermissionMask),
		Nlinks:     2,
		UID:        options.UID,
		GID:        options.GID,
		Size:       uint32(zoneSize),
		ChangeTime: now,
		AccessTime: now,
		ModifyTime: now,
		Blocks:     geometry.SectorsPerZone(),
	}
	root.Zones[0] = geometry.FirstDataZone()

	badBlocks := Inode{
		Number:     BadBlocksInumber,
		Mode:       S_IFREG,
		Nlinks:     1,
		UID:        options.UID,
		GID:        options.GID,
		ChangeTime: now,
		AccessTime: now,
		ModifyTime: now,
	}

	for _, inode := range []*Inode{&root, &badBlocks} {
		offset := uint(inode.Number-1) * InodeSize
		err = inode.Encode(inodeTable[offset : offset+InodeSize])
		if err != nil {
			return Geometry{}, err
		}
	}

	rootZone, err := zeroZones(cache, geometry.FirstDataZone(), 1)
	if err != nil {
		return Geometry{}, err
	}
	putRecord(rootZone, RootInumber, MinDirentSize, ".")
	putRecord(rootZone[MinDirentSize:], RootInumber, zoneSize-MinDirentSize, "..")

	// Touch the last zone so a sparse image file is extended to full size.
	lastZone := c.LogicalBlock(geometry.TotalZones() - 1)
	_, err = cache.Block(lastZone)
	if err != nil {
		return Geometry{}, err
	}
	err = cache.MarkBlockRangeDirty(lastZone, 1)
	if err != nil {
		return Geometry{}, err
	}

	return geometry, cache.Flush()
}

// zeroZones clears a run of zones, marks them dirty and returns them as one
// slice.
func zeroZones(cache *blockcache.BlockCache, start c.PhysicalBlock, count uint) ([]byte, error) {
	data, err := cache.GetSlice(c.LogicalBlock(start), count)
	if err != nil {
		return nil, err
	}
	clear(data)
	return data, cache.MarkBlockRangeDirty(c.LogicalBlock(start), count)
}

// formatBitmap initializes a bitmap spanning `numZones` zones: the first
// `reserved` bits and every bit from `validBits` on are set, the rest clear.
func formatBitmap(
	cache *blockcache.BlockCache,
	start c.PhysicalBlock,
	numZones uint,
	reserved uint,
	validBits uint,
) error {
	data, err := zeroZones(cache, start, numZones)
	if err != nil {
		return err
	}

	bits := bitmap.Bitmap(data)
	totalBits := uint(len(data)) * 8
	for i := uint(0); i < reserved; i++ {
		bits.Set(int(i), true)
	}
	for i := validBits; i < totalBits; i++ {
		bits.Set(int(i), true)
	}
	return nil
}
