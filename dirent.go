package xiafs

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"time"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/common/blockcache"
	"github.com/dargueta/xiafs/errors"
)

// MaxNameLength is the longest name a directory record can hold.
const MaxNameLength = 248

// MinDirentSize is the size of the smallest possible record, one with a name
// of at most four bytes.
const MinDirentSize = 12

// direntHeaderSize covers the inode number, record length and name length.
const direntHeaderSize = 7

// maxInsertAttempts bounds how often Insert rescans a directory because the
// slot it picked changed before it could lock it.
const maxInsertAttempts = 8

func round4(n uint) uint {
	return (n + 3) &^ 3
}

// recordSizeForName is the smallest record that can hold a name of `nameLength`
// bytes plus its terminating NUL.
func recordSizeForName(nameLength uint) uint {
	return round4(nameLength) + 8
}

// ValidateName checks that `name` can be stored in a directory record.
func ValidateName(name string) error {
	if name == "" {
		return errors.ErrInvalidArgument.WithMessage("file name can't be empty")
	}
	if len(name) > MaxNameLength {
		return errors.ErrNameTooLong.WithMessage(
			fmt.Sprintf("name is %d bytes, limit is %d", len(name), MaxNameLength))
	}
	if strings.ContainsAny(name, "/\x00") {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("name %q contains '/' or NUL", name))
	}
	return nil
}

// DirEntry is a record found in a directory, along with where it lives.
type DirEntry struct {
	Inumber Inumber
	Name    string
	// Zone is the volume zone holding the record.
	Zone c.PhysicalBlock
	// Index is the logical zone of the directory holding the record.
	Index uint
	// Offset is the record's offset within its zone.
	Offset       uint
	RecordLength uint
}

// Position is the record's byte offset from the start of the directory.
func (entry DirEntry) Position(zoneSize uint) uint64 {
	return uint64(entry.Index)*uint64(zoneSize) + uint64(entry.Offset)
}

// dirRecord is a decoded record header plus its name.
type dirRecord struct {
	ino     Inumber
	reclen  uint
	namelen uint
	name    []byte
}

func (rec dirRecord) isLive() bool {
	return rec.ino != 0
}

func putRecord(buf []byte, ino Inumber, reclen uint, name string) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(ino))
	binary.LittleEndian.PutUint16(buf[4:], uint16(reclen))
	buf[6] = byte(len(name))
	copy(buf[direntHeaderSize:], name)
	clear(buf[direntHeaderSize+uint(len(name)) : reclen])
}

// Directories manages the records inside directory zones. Searches don't lock
// anything; every change is made under the lock of the zone it touches.
//
// Like [Translator], it updates the directory's [Inode] (size, times, and the
// pointers when a directory grows) but never writes it back.
type Directories struct {
	cache    *blockcache.BlockCache
	geometry Geometry
	itree    *Translator
	logger   *log.Logger
	clock    func() time.Time
}

func NewDirectories(
	cache *blockcache.BlockCache,
	geometry Geometry,
	itree *Translator,
	logger *log.Logger,
	clock func() time.Time,
) *Directories {
	return &Directories{
		cache:    cache,
		geometry: geometry,
		itree:    itree,
		logger:   logger,
		clock:    clock,
	}
}

func (d *Directories) corrupt(dir *Inode, zone c.PhysicalBlock, offset uint, format string, args ...any) errors.DriverError {
	err := errors.ErrFileSystemCorrupted.WithMessage(
		fmt.Sprintf(
			"directory %d, zone %d, offset %d: %s",
			dir.Number,
			zone,
			offset,
			fmt.Sprintf(format, args...),
		),
	)
	d.logger.Print(err.Error())
	return err
}

// numZones is the number of zones the directory's content spans.
func (d *Directories) numZones(dir *Inode) uint {
	return uint(d.geometry.ZoneCountForSize(uint64(dir.Size)))
}

// loadZone returns the volume zone behind logical zone `index` of `dir` and
// its contents. Directories can't have holes.
func (d *Directories) loadZone(dir *Inode, index uint) (c.PhysicalBlock, []byte, error) {
	zone, _, err := d.itree.Resolve(dir, index, false)
	if err != nil {
		return 0, nil, err
	}
	if zone == Hole {
		return 0, nil, d.corrupt(dir, 0, 0, "logical zone %d is a hole", index)
	}

	data, err := d.cache.Block(c.LogicalBlock(zone))
	if err != nil {
		return 0, nil, err
	}
	return zone, data, nil
}

// readRecord decodes the record at `offset` of a directory zone, making sure
// it stays inside the zone.
func (d *Directories) readRecord(
	dir *Inode, zone c.PhysicalBlock, data []byte, offset uint,
) (dirRecord, error) {
	zoneSize := uint(len(data))
	if offset+MinDirentSize > zoneSize {
		return dirRecord{}, d.corrupt(dir, zone, offset, "record header runs past end of zone")
	}

	rec := dirRecord{
		ino:     Inumber(binary.LittleEndian.Uint32(data[offset:])),
		reclen:  uint(binary.LittleEndian.Uint16(data[offset+4:])),
		namelen: uint(data[offset+6]),
	}

	if rec.reclen == 0 {
		return dirRecord{}, d.corrupt(dir, zone, offset, "zero-length record")
	}
	if rec.reclen < MinDirentSize {
		return dirRecord{}, d.corrupt(
			dir, zone, offset, "record length %d is less than %d", rec.reclen, MinDirentSize)
	}
	if offset+rec.reclen > zoneSize {
		return dirRecord{}, d.corrupt(
			dir, zone, offset, "record length %d crosses the end of the zone", rec.reclen)
	}

	if rec.isLive() {
		if rec.namelen+direntHeaderSize+1 > rec.reclen {
			return dirRecord{}, d.corrupt(
				dir,
				zone,
				offset,
				"name length %d doesn't fit in record of length %d",
				rec.namelen,
				rec.reclen,
			)
		}
		rec.name = data[offset+direntHeaderSize : offset+direntHeaderSize+rec.namelen]
	}
	return rec, nil
}

// walkZone calls `visit` for each record in a zone, in order, until it
// returns true or an error.
func (d *Directories) walkZone(
	dir *Inode,
	zone c.PhysicalBlock,
	data []byte,
	visit func(offset uint, rec dirRecord) (bool, error),
) error {
	for offset := uint(0); offset < uint(len(data)); {
		rec, err := d.readRecord(dir, zone, data, offset)
		if err != nil {
			return err
		}

		stop, err := visit(offset, rec)
		if err != nil || stop {
			return err
		}
		offset += rec.reclen
	}
	return nil
}

func (d *Directories) entryFrom(rec dirRecord, zone c.PhysicalBlock, index, offset uint) DirEntry {
	return DirEntry{
		Inumber:      rec.ino,
		Name:         string(rec.name),
		Zone:         zone,
		Index:        index,
		Offset:       offset,
		RecordLength: rec.reclen,
	}
}

// Find looks up `name` in `dir`. Besides the entry it returns the record right
// before it in the same zone, or the entry itself if it's the first record of
// its zone; pass both to [Directories.Delete].
func (d *Directories) Find(dir *Inode, name string) (DirEntry, DirEntry, error) {
	for index := uint(0); index < d.numZones(dir); index++ {
		zone, data, err := d.loadZone(dir, index)
		if err != nil {
			return DirEntry{}, DirEntry{}, err
		}

		var found, previous DirEntry
		ok := false
		err = d.walkZone(dir, zone, data, func(offset uint, rec dirRecord) (bool, error) {
			current := d.entryFrom(rec, zone, index, offset)
			if rec.isLive() && string(rec.name) == name {
				found = current
				if offset == 0 {
					previous = current
				}
				ok = true
				return true, nil
			}
			previous = current
			return false, nil
		})
		if err != nil {
			return DirEntry{}, DirEntry{}, err
		}
		if ok {
			return found, previous, nil
		}
	}

	return DirEntry{}, DirEntry{}, errors.ErrNotFound.WithMessage(
		fmt.Sprintf("no entry named %q in directory %d", name, dir.Number))
}

// insertSlot is where Insert decided to put a new record.
type insertSlot struct {
	index uint
	zone  c.PhysicalBlock
	// offset is the start of the existing record to reuse or split.
	offset uint
	// The existing record's header as seen while searching.
	ino     Inumber
	reclen  uint
	namelen uint
	// split is true if the existing record is live and the new one goes into
	// its slack.
	split bool
	// grow is true if the directory needs a new zone.
	grow bool
}

// findSlot scans `dir` for the first place a record for `name` fits.
func (d *Directories) findSlot(dir *Inode, name string) (insertSlot, error) {
	needed := recordSizeForName(uint(len(name)))
	numZones := d.numZones(dir)

	for index := uint(0); index < numZones; index++ {
		zone, data, err := d.loadZone(dir, index)
		if err != nil {
			return insertSlot{}, err
		}

		var slot insertSlot
		found := false
		err = d.walkZone(dir, zone, data, func(offset uint, rec dirRecord) (bool, error) {
			if rec.isLive() {
				if string(rec.name) == name {
					return true, errors.ErrExists.WithMessage(
						fmt.Sprintf("%q already exists in directory %d", name, dir.Number))
				}
				if round4(rec.namelen)+needed+8 > rec.reclen {
					return false, nil
				}
			} else if rec.reclen < needed {
				return false, nil
			}

			slot = insertSlot{
				index:   index,
				zone:    zone,
				offset:  offset,
				ino:     rec.ino,
				reclen:  rec.reclen,
				namelen: rec.namelen,
				split:   rec.isLive(),
			}
			found = true
			return true, nil
		})
		if err != nil {
			return insertSlot{}, err
		}
		if found {
			return slot, nil
		}
	}

	return insertSlot{index: numZones, grow: true}, nil
}

// errSlotChanged is returned by writeSlot when someone else modified the
// chosen record between the search and taking the zone lock.
var errSlotChanged = errors.ErrBusy.WithMessage("directory record changed during insert")

func (d *Directories) writeSlot(
	dir *Inode, slot insertSlot, name string, ino Inumber,
) (DirEntry, error) {
	zoneSize := d.geometry.ZoneSize()

	if slot.grow {
		zone, _, err := d.itree.Resolve(dir, slot.index, true)
		if err != nil {
			return DirEntry{}, err
		}

		chunk, err := d.cache.Prepare(c.LogicalBlock(zone), 0, zoneSize)
		if err != nil {
			return DirEntry{}, err
		}
		defer chunk.Release()

		putRecord(chunk.Bytes(), ino, zoneSize, name)
		err = chunk.Commit()
		if err != nil {
			return DirEntry{}, err
		}

		newSize := uint64(slot.index+1) * uint64(zoneSize)
		if uint64(dir.Size) < newSize {
			dir.Size = uint32(newSize)
		}
		return DirEntry{
			Inumber:      ino,
			Name:         name,
			Zone:         zone,
			Index:        slot.index,
			Offset:       0,
			RecordLength: zoneSize,
		}, nil
	}

	chunk, err := d.cache.Prepare(c.LogicalBlock(slot.zone), slot.offset, slot.reclen)
	if err != nil {
		return DirEntry{}, err
	}
	defer chunk.Release()

	buf := chunk.Bytes()
	if Inumber(binary.LittleEndian.Uint32(buf)) != slot.ino ||
		uint(binary.LittleEndian.Uint16(buf[4:])) != slot.reclen ||
		uint(buf[6]) != slot.namelen {
		return DirEntry{}, errSlotChanged
	}

	entry := DirEntry{
		Inumber:      ino,
		Name:         name,
		Zone:         slot.zone,
		Index:        slot.index,
		Offset:       slot.offset,
		RecordLength: slot.reclen,
	}

	if slot.split {
		head := recordSizeForName(slot.namelen)
		binary.LittleEndian.PutUint16(buf[4:], uint16(head))
		putRecord(buf[head:], ino, slot.reclen-head, name)
		entry.Offset += head
		entry.RecordLength -= head
	} else {
		putRecord(buf, ino, slot.reclen, name)
	}

	return entry, chunk.Commit()
}

func (d *Directories) touch(dir *Inode) {
	dir.Touch(d.clock())
}

// Insert adds a record named `name` pointing to `ino`. It uses the first place
// it finds: slack at the end of a live record, a free record big enough, or
// else a new zone at the end of the directory. It fails with
// [errors.ErrExists] if it comes across a live record with the same name
// before finding room.
func (d *Directories) Insert(dir *Inode, name string, ino Inumber) (DirEntry, error) {
	err := ValidateName(name)
	if err != nil {
		return DirEntry{}, err
	}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		slot, err := d.findSlot(dir, name)
		if err != nil {
			return DirEntry{}, err
		}

		entry, err := d.writeSlot(dir, slot, name, ino)
		if err == errSlotChanged {
			continue
		}
		if err != nil {
			return DirEntry{}, err
		}

		d.touch(dir)
		return entry, nil
	}

	return DirEntry{}, errors.ErrBusy.WithMessage(
		fmt.Sprintf(
			"gave up inserting %q into directory %d after %d attempts",
			name,
			dir.Number,
			maxInsertAttempts,
		),
	)
}

// Delete removes a record found by [Directories.Find]. The first record of a
// zone is just marked free; any other is merged into the record before it.
func (d *Directories) Delete(dir *Inode, entry, previous DirEntry) error {
	zoneSize := d.geometry.ZoneSize()
	chunk, err := d.cache.Prepare(c.LogicalBlock(entry.Zone), 0, zoneSize)
	if err != nil {
		return err
	}
	defer chunk.Release()

	data := chunk.Bytes()
	rec, err := d.readRecord(dir, entry.Zone, data, entry.Offset)
	if err != nil {
		return err
	}
	if !rec.isLive() || rec.ino != entry.Inumber {
		return d.corrupt(
			dir,
			entry.Zone,
			entry.Offset,
			"expected record for inode %d, found inode %d",
			entry.Inumber,
			rec.ino,
		)
	}

	if entry.Offset == 0 || previous.Offset == entry.Offset {
		binary.LittleEndian.PutUint32(data[entry.Offset:], 0)
	} else {
		if previous.Zone != entry.Zone || previous.Offset > entry.Offset {
			return d.corrupt(
				dir,
				entry.Zone,
				entry.Offset,
				"record at zone %d offset %d can't precede it",
				previous.Zone,
				previous.Offset,
			)
		}

		// Walk forward to the record immediately before this one.
		offset := previous.Offset
		var prevLength uint
		for {
			prevLength = uint(binary.LittleEndian.Uint16(data[offset+4:]))
			if prevLength < MinDirentSize {
				return d.corrupt(dir, entry.Zone, offset, "bad record length %d", prevLength)
			}
			if offset+prevLength >= entry.Offset {
				break
			}
			offset += prevLength
		}

		if offset+prevLength != entry.Offset {
			return d.corrupt(
				dir,
				entry.Zone,
				offset,
				"record of length %d overlaps the record at %d",
				prevLength,
				entry.Offset,
			)
		}

		if offset+prevLength+rec.reclen <= zoneSize {
			binary.LittleEndian.PutUint16(data[offset+4:], uint16(prevLength+rec.reclen))
		} else {
			binary.LittleEndian.PutUint32(data[entry.Offset:], 0)
		}
	}

	err = chunk.Commit()
	if err != nil {
		return err
	}
	d.touch(dir)
	return nil
}

// SetLink points an existing record at a different inode.
func (d *Directories) SetLink(dir *Inode, entry DirEntry, ino Inumber) error {
	chunk, err := d.cache.Prepare(c.LogicalBlock(entry.Zone), entry.Offset, 4)
	if err != nil {
		return err
	}
	defer chunk.Release()

	current := Inumber(binary.LittleEndian.Uint32(chunk.Bytes()))
	if current != entry.Inumber {
		return d.corrupt(
			dir,
			entry.Zone,
			entry.Offset,
			"expected record for inode %d, found inode %d",
			entry.Inumber,
			current,
		)
	}

	binary.LittleEndian.PutUint32(chunk.Bytes(), uint32(ino))
	err = chunk.Commit()
	if err != nil {
		return err
	}
	d.touch(dir)
	return nil
}

// MakeInitial gives a new, empty directory its first zone, containing "." and
// "..".
func (d *Directories) MakeInitial(dir *Inode, parent Inumber) error {
	zoneSize := d.geometry.ZoneSize()
	zone, _, err := d.itree.Resolve(dir, 0, true)
	if err != nil {
		return err
	}

	chunk, err := d.cache.Prepare(c.LogicalBlock(zone), 0, zoneSize)
	if err != nil {
		return err
	}
	defer chunk.Release()

	buf := chunk.Bytes()
	putRecord(buf, dir.Number, MinDirentSize, ".")
	putRecord(buf[MinDirentSize:], parent, zoneSize-MinDirentSize, "..")
	err = chunk.Commit()
	if err != nil {
		return err
	}

	dir.Size = uint32(zoneSize)
	return nil
}

// DotDot returns the ".." record of `dir`, always the second record of its
// first zone.
func (d *Directories) DotDot(dir *Inode) (DirEntry, error) {
	zone, data, err := d.loadZone(dir, 0)
	if err != nil {
		return DirEntry{}, err
	}

	dot, err := d.readRecord(dir, zone, data, 0)
	if err != nil {
		return DirEntry{}, err
	}
	dotdot, err := d.readRecord(dir, zone, data, dot.reclen)
	if err != nil {
		return DirEntry{}, err
	}
	if string(dotdot.name) != ".." {
		return DirEntry{}, d.corrupt(
			dir, zone, dot.reclen, "expected \"..\", found %q", string(dotdot.name))
	}
	return d.entryFrom(dotdot, zone, 0, dot.reclen), nil
}

// IsEmpty is true if the only live records in `dir` are "." (pointing at dir
// itself) and "..".
func (d *Directories) IsEmpty(dir *Inode) (bool, error) {
	it := d.Iterate(dir, 0)
	for it.Next() {
		entry := it.Entry()
		switch entry.Name {
		case ".":
			if entry.Inumber != dir.Number {
				return false, nil
			}
		case "..":
		default:
			return false, nil
		}
	}
	return it.Err() == nil, it.Err()
}

// DirIterator walks the live records of a directory. Use it like
// [bufio.Scanner]:
//
//	it := dirs.Iterate(dir, 0)
//	for it.Next() {
//		entry := it.Entry()
//	}
//	if it.Err() != nil { ... }
type DirIterator struct {
	dirs    *Directories
	dir     *Inode
	size    uint64
	offset  uint64
	aligned bool

	zoneIndex uint
	zone      c.PhysicalBlock
	data      []byte

	entry DirEntry
	err   error
}

// Iterate returns an iterator starting at byte `resume` of the directory. Pass
// 0 to start at the beginning, or a value from [DirIterator.Offset] to
// continue where a previous iterator left off. An offset in the middle of a
// record skips ahead to the next one.
func (d *Directories) Iterate(dir *Inode, resume uint64) *DirIterator {
	return &DirIterator{
		dirs:   d,
		dir:    dir,
		size:   uint64(dir.Size),
		offset: resume,
	}
}

func (it *DirIterator) load(index uint) error {
	if it.data != nil && it.zoneIndex == index {
		return nil
	}
	zone, data, err := it.dirs.loadZone(it.dir, index)
	if err != nil {
		return err
	}
	it.zoneIndex = index
	it.zone = zone
	it.data = data
	return nil
}

// align moves a resume offset that isn't on a record boundary forward to the
// next record.
func (it *DirIterator) align() error {
	zoneSize := uint64(it.dirs.geometry.ZoneSize())
	within := uint(it.offset % zoneSize)
	if within == 0 || it.offset >= it.size {
		return nil
	}

	index := uint(it.offset / zoneSize)
	err := it.load(index)
	if err != nil {
		return err
	}

	position := uint(0)
	for position < within {
		rec, err := it.dirs.readRecord(it.dir, it.zone, it.data, position)
		if err != nil {
			return err
		}
		position += rec.reclen
	}
	it.offset = uint64(index)*zoneSize + uint64(position)
	return nil
}

// Next advances to the next live record. It returns false at the end of the
// directory or on error.
func (it *DirIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.aligned {
		it.aligned = true
		it.err = it.align()
		if it.err != nil {
			return false
		}
	}

	zoneSize := uint64(it.dirs.geometry.ZoneSize())
	for it.offset < it.size {
		index := uint(it.offset / zoneSize)
		within := uint(it.offset % zoneSize)

		it.err = it.load(index)
		if it.err != nil {
			return false
		}

		var rec dirRecord
		rec, it.err = it.dirs.readRecord(it.dir, it.zone, it.data, within)
		if it.err != nil {
			return false
		}

		it.offset += uint64(rec.reclen)
		if rec.isLive() {
			it.entry = it.dirs.entryFrom(rec, it.zone, index, within)
			return true
		}
	}
	return false
}

// Entry is the record Next stopped at.
func (it *DirIterator) Entry() DirEntry {
	return it.entry
}

// Offset is where an iterator resuming after the current record should start.
func (it *DirIterator) Offset() uint64 {
	return it.offset
}

func (it *DirIterator) Err() error {
	return it.err
}
