package xiafs

import (
	"fmt"
	"log"
	"sync"

	"github.com/boljen/go-bitmap"
	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/blockcache"
	"github.com/dargueta/xiafs/errors"
)

// BitmapKind selects one of the two allocation bitmaps.
type BitmapKind int

const (
	InodeBitmap BitmapKind = iota
	ZoneBitmap
)

func (kind BitmapKind) String() string {
	if kind == InodeBitmap {
		return "inode"
	}
	return "zone"
}

// nibbleBits[n] is the number of set bits in the 4-bit value n.
var nibbleBits = [16]uint{0, 1, 1, 2, 1, 2, 2, 3, 1, 2, 2, 3, 2, 3, 3, 4}

type bitmapZones struct {
	// firstZone is where the bitmap starts on the volume.
	firstZone c.PhysicalBlock
	// zones are slices into the block cache, one per bitmap zone.
	zones []bitmap.Bitmap
}

// Allocator hands out and reclaims inode numbers and data zones. Both bitmaps
// are loaded once and stay cached for as long as the volume is mounted; a
// single mutex serializes every bit flip on either of them.
type Allocator struct {
	mu       sync.Mutex
	cache    *blockcache.BlockCache
	geometry Geometry
	maps     [2]bitmapZones
	logger   *log.Logger
}

// NewAllocator loads both bitmaps through `cache`.
func NewAllocator(
	cache *blockcache.BlockCache, geometry Geometry, logger *log.Logger,
) (*Allocator, error) {
	alloc := &Allocator{
		cache:    cache,
		geometry: geometry,
		logger:   logger,
	}

	err := alloc.load(InodeBitmap, geometry.InodeMapStart(), uint(geometry.Raw.InodeMapZones))
	if err != nil {
		return nil, err
	}
	err = alloc.load(ZoneBitmap, geometry.ZoneMapStart(), uint(geometry.Raw.ZoneMapZones))
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (alloc *Allocator) load(kind BitmapKind, firstZone c.PhysicalBlock, numZones uint) error {
	zones := make([]bitmap.Bitmap, numZones)
	for i := uint(0); i < numZones; i++ {
		data, err := alloc.cache.Block(c.LogicalBlock(firstZone) + c.LogicalBlock(i))
		if err != nil {
			return err
		}
		zones[i] = bitmap.Bitmap(data)
	}
	alloc.maps[kind] = bitmapZones{firstZone: firstZone, zones: zones}
	return nil
}

// validBits is one past the highest bit that maps to a real inode or zone.
func (alloc *Allocator) validBits(kind BitmapKind) uint {
	if kind == InodeBitmap {
		return alloc.geometry.TotalInodes() + 1
	}
	return alloc.geometry.DataZones() + 1
}

// bitToID converts a bit position to an inode number or zone number.
func (alloc *Allocator) bitToID(kind BitmapKind, bit uint) uint {
	if kind == InodeBitmap {
		return bit
	}
	return bit + uint(alloc.geometry.FirstDataZone()) - 1
}

// idToBit is the inverse of bitToID. It fails if `id` is out of range.
func (alloc *Allocator) idToBit(kind BitmapKind, id uint) (uint, error) {
	if kind == InodeBitmap {
		if id < 1 || id > alloc.geometry.TotalInodes() {
			return 0, errors.ErrArgumentOutOfRange.WithMessage(
				fmt.Sprintf("inode %d not in [1, %d]", id, alloc.geometry.TotalInodes()))
		}
		return id, nil
	}

	if !alloc.geometry.IsDataZone(c.PhysicalBlock(id)) {
		return 0, errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"zone %d not in data area [%d, %d)",
				id,
				alloc.geometry.FirstDataZone(),
				alloc.geometry.TotalZones(),
			),
		)
	}
	return id - uint(alloc.geometry.FirstDataZone()) + 1, nil
}

// Allocate finds the lowest free bit in the bitmap, sets it and returns the
// inode number or zone number it stands for.
func (alloc *Allocator) Allocate(kind BitmapKind) (uint, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	bits := alloc.maps[kind]
	bitsPerZone := alloc.geometry.BitsPerZone()
	limit := alloc.validBits(kind)

	for zoneIndex, zoneBits := range bits.zones {
		for byteIndex, value := range zoneBits {
			if value == 0xff {
				continue
			}

			for bitInByte := 0; bitInByte < 8; bitInByte++ {
				bitInZone := byteIndex*8 + bitInByte
				if zoneBits.Get(bitInZone) {
					continue
				}

				bit := uint(zoneIndex)*bitsPerZone + uint(bitInZone)
				// Bit 0 is reserved, and everything past the end of the resource
				// should have been set at format time.
				if bit == 0 {
					continue
				}
				if bit >= limit {
					return 0, errors.ErrNoSpaceOnDevice.WithMessage(
						fmt.Sprintf("%s bitmap exhausted", kind))
				}

				zoneBits.Set(bitInZone, true)
				err := alloc.cache.MarkBlockRangeDirty(
					c.LogicalBlock(bits.firstZone)+c.LogicalBlock(zoneIndex), 1)
				if err != nil {
					zoneBits.Set(bitInZone, false)
					return 0, err
				}
				return alloc.bitToID(kind, bit), nil
			}
		}
	}

	return 0, errors.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("%s bitmap exhausted", kind))
}

// Free releases an inode number or zone number. Freeing something that is
// already free is logged and otherwise ignored.
func (alloc *Allocator) Free(kind BitmapKind, id uint) error {
	bit, err := alloc.idToBit(kind, id)
	if err != nil {
		alloc.logger.Printf("xiafs: trying to free %s %d: %s", kind, id, err.Error())
		return err
	}

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	bits := alloc.maps[kind]
	bitsPerZone := alloc.geometry.BitsPerZone()
	zoneIndex := bit / bitsPerZone
	zoneBits := bits.zones[zoneIndex]
	bitInZone := int(bit % bitsPerZone)

	if !zoneBits.Get(bitInZone) {
		alloc.logger.Printf("xiafs: warning: %s %d already cleared", kind, id)
		return nil
	}

	zoneBits.Set(bitInZone, false)
	return alloc.cache.MarkBlockRangeDirty(
		c.LogicalBlock(bits.firstZone)+c.LogicalBlock(zoneIndex), 1)
}

// IsAllocated reports whether the bit for an inode or zone number is set.
// Out-of-range ids report false.
func (alloc *Allocator) IsAllocated(kind BitmapKind, id uint) bool {
	bit, err := alloc.idToBit(kind, id)
	if err != nil {
		return false
	}

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	bitsPerZone := alloc.geometry.BitsPerZone()
	return alloc.maps[kind].zones[bit/bitsPerZone].Get(int(bit % bitsPerZone))
}

// CountFree counts the clear bits in a bitmap. It doesn't take the allocation
// lock, so the result is only a snapshot and may be stale by the time it's
// returned.
func (alloc *Allocator) CountFree(kind BitmapKind) uint {
	bits := alloc.maps[kind]
	setBits := uint(0)
	for _, zoneBits := range bits.zones {
		for _, value := range zoneBits {
			setBits += nibbleBits[value&0x0f] + nibbleBits[value>>4]
		}
	}
	return uint(len(bits.zones))*alloc.geometry.BitsPerZone() - setBits
}

// AllocateZone is Allocate(ZoneBitmap) with a typed result.
func (alloc *Allocator) AllocateZone() (c.PhysicalBlock, error) {
	id, err := alloc.Allocate(ZoneBitmap)
	return c.PhysicalBlock(id), err
}

// FreeZone is Free(ZoneBitmap, zone).
func (alloc *Allocator) FreeZone(zone c.PhysicalBlock) error {
	return alloc.Free(ZoneBitmap, uint(zone))
}

// AllocateInode is Allocate(InodeBitmap) with a typed result.
func (alloc *Allocator) AllocateInode() (Inumber, error) {
	id, err := alloc.Allocate(InodeBitmap)
	return Inumber(id), err
}

// FreeInode is Free(InodeBitmap, ino).
func (alloc *Allocator) FreeInode(ino Inumber) error {
	return alloc.Free(InodeBitmap, uint(ino))
}
