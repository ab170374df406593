package xiafs

import (
	"encoding/binary"
	"fmt"
	"log"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/blockcache"
	"github.com/dargueta/xiafs/errors"
)

// Hole is what [Translator.Resolve] returns for a logical zone with no
// physical zone behind it.
const Hole = c.PhysicalBlock(0)

// Translator maps the logical zones of a file to zones on the volume, growing
// and shrinking the pointer tree hanging off an inode.
//
// It modifies the [Inode] it's given (pointers and block counter) but never
// writes it back; that's the caller's job. It also doesn't lock anything
// beyond what the allocator does, so callers must serialize access to any one
// file.
type Translator struct {
	cache    *blockcache.BlockCache
	geometry Geometry
	alloc    *Allocator
	logger   *log.Logger
}

func NewTranslator(
	cache *blockcache.BlockCache, geometry Geometry, alloc *Allocator, logger *log.Logger,
) *Translator {
	return &Translator{
		cache:    cache,
		geometry: geometry,
		alloc:    alloc,
		logger:   logger,
	}
}

// ZoneCountForSize gives the number of zones a file of `size` bytes spans.
func (t *Translator) ZoneCountForSize(size uint64) uint64 {
	return t.geometry.ZoneCountForSize(size)
}

// path splits a logical zone index into the inode slot it hangs off and the
// entry index at each level of indirection below that.
func (t *Translator) path(index uint) (int, []uint, error) {
	if index >= t.geometry.MaxFileZones() {
		return 0, nil, errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"logical zone %d is past the maximum of %d", index, t.geometry.MaxFileZones()-1))
	}

	if index < NumDirectZones {
		return int(index), nil, nil
	}

	apz := t.geometry.AddrsPerZone()
	index -= NumDirectZones
	if index < apz {
		return IndirectSlot, []uint{index}, nil
	}

	index -= apz
	return DoubleIndirectSlot,
		[]uint{index >> t.geometry.AddrsPerZoneBits(), index & (apz - 1)},
		nil
}

func (t *Translator) corruptPointer(
	inode *Inode, where string, pointer uint32,
) errors.DriverError {
	err := errors.ErrFileSystemCorrupted.WithMessage(
		fmt.Sprintf(
			"inode %d: %s points to zone %d, outside the data area [%d, %d)",
			inode.Number,
			where,
			pointer,
			t.geometry.FirstDataZone(),
			t.geometry.TotalZones(),
		),
	)
	t.logger.Print(err.Error())
	return err
}

// readPointer returns entry `index` of indirection zone `zone`.
func (t *Translator) readPointer(zone c.PhysicalBlock, index uint) (uint32, error) {
	data, err := t.cache.Block(c.LogicalBlock(zone))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data[index*4:]), nil
}

// writePointer sets entry `index` of indirection zone `zone` under the zone's
// lock.
func (t *Translator) writePointer(zone c.PhysicalBlock, index uint, value c.PhysicalBlock) error {
	chunk, err := t.cache.Prepare(c.LogicalBlock(zone), index*4, 4)
	if err != nil {
		return err
	}
	defer chunk.Release()

	binary.LittleEndian.PutUint32(chunk.Bytes(), uint32(value))
	return chunk.Commit()
}

// allocateZone gets a zone for `inode` and charges it to the block counter.
// Indirection zones are zeroed; data zones are left as they are.
func (t *Translator) allocateZone(inode *Inode, indirection bool) (c.PhysicalBlock, error) {
	zone, err := t.alloc.AllocateZone()
	if err != nil {
		return 0, err
	}

	if indirection {
		_, err = t.cache.WriteAt(make([]byte, t.geometry.ZoneSize()), c.LogicalBlock(zone))
		if err != nil {
			if freeErr := t.alloc.FreeZone(zone); freeErr != nil {
				t.logger.Printf("xiafs: leaked zone %d after failed zeroing: %s", zone, freeErr)
			}
			return 0, err
		}
	}

	inode.Blocks += t.geometry.SectorsPerZone()
	return zone, nil
}

func (t *Translator) releaseZone(inode *Inode, zone c.PhysicalBlock) error {
	err := t.alloc.FreeZone(zone)
	if err != nil {
		return err
	}
	if inode.Blocks >= t.geometry.SectorsPerZone() {
		inode.Blocks -= t.geometry.SectorsPerZone()
	} else {
		inode.Blocks = 0
	}
	return nil
}

// Resolve finds the volume zone holding logical zone `index` of the file. If
// nothing is allocated there it returns [Hole], unless `create` is set, in
// which case the missing zones along the way are allocated and linked in. The
// boolean result is true if the returned data zone was newly allocated; its
// contents are then undefined and the caller must initialize it.
//
// On error, `inode` may still have been modified (e.g. an indirection zone was
// attached before the volume ran out of space) and should be written back.
func (t *Translator) Resolve(inode *Inode, index uint, create bool) (c.PhysicalBlock, bool, error) {
	slot, offsets, err := t.path(index)
	if err != nil {
		return Hole, false, err
	}

	fresh := false
	current := inode.Zones[slot]
	if current == 0 {
		if !create {
			return Hole, false, nil
		}
		current, err = t.allocateZone(inode, len(offsets) > 0)
		if err != nil {
			return Hole, false, err
		}
		inode.Zones[slot] = current
		fresh = true
	} else if !t.geometry.IsDataZone(current) {
		return Hole, false, t.corruptPointer(inode, fmt.Sprintf("slot %d", slot), uint32(current))
	}

	for level, entry := range offsets {
		pointer, err := t.readPointer(current, entry)
		if err != nil {
			return Hole, false, err
		}

		if pointer == 0 {
			if !create {
				return Hole, false, nil
			}
			next, err := t.allocateZone(inode, level < len(offsets)-1)
			if err != nil {
				return Hole, false, err
			}
			err = t.writePointer(current, entry, next)
			if err != nil {
				if freeErr := t.releaseZone(inode, next); freeErr != nil {
					t.logger.Printf(
						"xiafs: inode %d: leaked zone %d after failed link: %s",
						inode.Number,
						next,
						freeErr,
					)
				}
				return Hole, false, err
			}
			current = next
			fresh = true
			continue
		}

		if !t.geometry.IsDataZone(c.PhysicalBlock(pointer)) {
			return Hole, false, t.corruptPointer(
				inode, fmt.Sprintf("entry %d of zone %d", entry, current), pointer)
		}
		current = c.PhysicalBlock(pointer)
		fresh = false
	}

	return current, fresh, nil
}

// Truncate frees every zone holding logical zones `keep` and up, along with
// any indirection zone left with nothing to point to. The block counter is
// adjusted for each zone freed, and set to 0 if nothing is kept.
func (t *Translator) Truncate(inode *Inode, keep uint) error {
	for i := keep; i < NumDirectZones; i++ {
		zone := inode.Zones[i]
		if zone == 0 {
			continue
		}
		if !t.geometry.IsDataZone(zone) {
			return t.corruptPointer(inode, fmt.Sprintf("slot %d", i), uint32(zone))
		}
		err := t.releaseZone(inode, zone)
		if err != nil {
			return err
		}
		inode.Zones[i] = 0
	}

	apz := t.geometry.AddrsPerZone()

	// First entry of each indirect tree that has to go.
	singleFirst := uint(0)
	if keep > NumDirectZones {
		singleFirst = keep - NumDirectZones
	}
	doubleFirst := uint(0)
	if keep > NumDirectZones+apz {
		doubleFirst = keep - NumDirectZones - apz
	}

	if singleFirst < apz {
		err := t.truncateSlot(inode, IndirectSlot, 1, singleFirst)
		if err != nil {
			return err
		}
	}
	if doubleFirst < apz*apz {
		err := t.truncateSlot(inode, DoubleIndirectSlot, 2, doubleFirst)
		if err != nil {
			return err
		}
	}

	if keep == 0 {
		inode.Blocks = 0
	}
	return nil
}

func (t *Translator) truncateSlot(inode *Inode, slot int, depth int, first uint) error {
	zone := inode.Zones[slot]
	if zone == 0 {
		return nil
	}
	if !t.geometry.IsDataZone(zone) {
		return t.corruptPointer(inode, fmt.Sprintf("slot %d", slot), uint32(zone))
	}

	empty, err := t.truncateTree(inode, zone, depth, first)
	if err != nil || !empty {
		return err
	}

	err = t.releaseZone(inode, zone)
	if err != nil {
		return err
	}
	inode.Zones[slot] = 0
	return nil
}

// truncateTree frees everything reachable from indirection zone `zone` at
// entry `first` (counted in data zones) and beyond. `depth` is the number of
// levels of indirection left, counting `zone` itself. It reports whether the
// zone was left with no pointers at all.
func (t *Translator) truncateTree(
	inode *Inode, zone c.PhysicalBlock, depth int, first uint,
) (bool, error) {
	apz := t.geometry.AddrsPerZone()
	// Number of data zones covered by one entry at this level.
	span := uint(1)
	if depth > 1 {
		span = apz
	}

	for entry := uint(0); entry < apz; entry++ {
		entryStart := entry * span
		if entryStart+span <= first {
			// Entirely kept.
			continue
		}

		pointer, err := t.readPointer(zone, entry)
		if err != nil {
			return false, err
		}
		if pointer == 0 {
			continue
		}
		child := c.PhysicalBlock(pointer)
		if !t.geometry.IsDataZone(child) {
			return false, t.corruptPointer(
				inode, fmt.Sprintf("entry %d of zone %d", entry, zone), pointer)
		}

		if depth > 1 {
			childFirst := uint(0)
			if first > entryStart {
				childFirst = first - entryStart
			}
			childEmpty, err := t.truncateTree(inode, child, depth-1, childFirst)
			if err != nil {
				return false, err
			}
			if !childEmpty {
				continue
			}
		}

		err = t.releaseZone(inode, child)
		if err != nil {
			return false, err
		}
		err = t.writePointer(zone, entry, 0)
		if err != nil {
			return false, err
		}
	}

	data, err := t.cache.Block(c.LogicalBlock(zone))
	if err != nil {
		return false, err
	}
	for i := uint(0); i < apz; i++ {
		if binary.LittleEndian.Uint32(data[i*4:]) != 0 {
			return false, nil
		}
	}
	return true, nil
}

// VisitZones calls `visit` for every zone in the file's pointer tree, data
// and indirection zones alike, without changing anything. `logical` is the
// file's logical zone index for data zones, and -1 for indirection zones.
// Pointers outside the data area are reported through `visit` too (so a
// checker can flag them) but never followed.
func (t *Translator) VisitZones(
	inode *Inode, visit func(zone c.PhysicalBlock, logical int) error,
) error {
	for i := 0; i < NumDirectZones; i++ {
		if inode.Zones[i] == 0 {
			continue
		}
		err := visit(inode.Zones[i], i)
		if err != nil {
			return err
		}
	}

	apz := int(t.geometry.AddrsPerZone())
	err := t.visitTree(inode.Zones[IndirectSlot], 1, NumDirectZones, visit)
	if err != nil {
		return err
	}
	return t.visitTree(inode.Zones[DoubleIndirectSlot], 2, NumDirectZones+apz, visit)
}

func (t *Translator) visitTree(
	zone c.PhysicalBlock,
	depth int,
	base int,
	visit func(zone c.PhysicalBlock, logical int) error,
) error {
	if zone == 0 {
		return nil
	}

	err := visit(zone, -1)
	if err != nil || !t.geometry.IsDataZone(zone) {
		return err
	}

	data, err := t.cache.Block(c.LogicalBlock(zone))
	if err != nil {
		return err
	}

	apz := int(t.geometry.AddrsPerZone())
	span := 1
	if depth > 1 {
		span = apz
	}

	for entry := 0; entry < apz; entry++ {
		pointer := c.PhysicalBlock(binary.LittleEndian.Uint32(data[entry*4:]))
		if pointer == 0 {
			continue
		}

		if depth > 1 {
			err = t.visitTree(pointer, depth-1, base+entry*span, visit)
		} else {
			err = visit(pointer, base+entry)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
