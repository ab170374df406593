package xiafs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/errors"
	"github.com/noxer/bytewriter"
)

const Magic = 0x012FD16D

const BootAreaSize = 512
const SuperblockOffset = BootAreaSize
const SuperblockSize = 64

// MagicOffset is the absolute byte offset of the magic number in zone 0.
const MagicOffset = SuperblockOffset + SuperblockSize - 4

const MinZoneSize = 1024
const MaxZoneShift = 2

const InodeSize = 64
const InodesPerKiB = MinZoneSize / InodeSize

const NumZonePointers = 10
const NumDirectZones = 8
const IndirectSlot = 8
const DoubleIndirectSlot = 9

// ZoneAddressMask extracts the address from a zone pointer word.
const ZoneAddressMask = 0x00FFFFFF

// MaxTotalZones is the largest volume a 24-bit zone address can describe.
const MaxTotalZones = 1 << 24

const RootInumber = Inumber(1)
const BadBlocksInumber = Inumber(2)

// SectorSize is the unit of the block counter kept in an inode.
const SectorSize = 512

// RawSuperblock is the on-disk superblock, sixteen little-endian words at
// offset 512 of zone 0.
type RawSuperblock struct {
	ZoneSize        uint32
	TotalZones      uint32
	TotalInodes     uint32
	DataZones       uint32
	InodeMapZones   uint32
	ZoneMapZones    uint32
	FirstDataZone   uint32
	ZoneShift       uint32
	MaxFileSize     uint32
	Reserved        [4]uint32
	FirstKernelZone uint32
	KernelZones     uint32
	Magic           uint32
}

// Geometry is the validated, immutable shape of a volume.
type Geometry struct {
	Raw RawSuperblock
}

// maxFileSizeForShift is the largest file the pointer tree can address, capped
// to what fits in the 32-bit size field.
func maxFileSizeForShift(shift uint) uint32 {
	if shift == 2 {
		return 0xFFFFFFFF
	}
	addrsPerZone := uint64(256) << shift
	return uint32(((addrsPerZone+1)*addrsPerZone + NumDirectZones) * (MinZoneSize << shift))
}

// NewGeometry computes the layout of a new volume of `totalZones` zones, with
// `kernelZones` zones reserved for a kernel image after the inode table. The
// inode count is derived from the volume size the way mkxfs does it: one inode
// for every four KiB of space, rounded up to whole inode-table zones.
func NewGeometry(totalZones, zoneShift, kernelZones uint) (Geometry, error) {
	if zoneShift > MaxZoneShift {
		return Geometry{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("zone shift must be in [0, %d], got %d", MaxZoneShift, zoneShift))
	}
	if totalZones >= MaxTotalZones {
		return Geometry{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume can have at most %d zones, got %d", MaxTotalZones-1, totalZones))
	}
	if kernelZones >= totalZones {
		return Geometry{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d kernel zones don't fit in a %d-zone volume", kernelZones, totalZones))
	}

	zoneSize := uint(MinZoneSize) << zoneShift
	bitsPerZone := zoneSize * 8
	usableZones := totalZones - kernelZones

	inodeZones := (usableZones>>(2+zoneShift))/InodesPerKiB + 1
	totalInodes := (inodeZones * InodesPerKiB) << zoneShift
	imapZones := totalInodes/bitsPerZone + 1
	zmapZones := usableZones/bitsPerZone + 1
	firstKernelZone := 1 + imapZones + zmapZones + inodeZones
	firstDataZone := firstKernelZone + kernelZones

	// Need room for at least the root directory's zone.
	if firstDataZone >= totalZones {
		return Geometry{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume too small: metadata needs %d zones, only %d available",
				firstDataZone+1,
				totalZones,
			),
		)
	}

	raw := RawSuperblock{
		ZoneSize:      uint32(zoneSize),
		TotalZones:    uint32(totalZones),
		TotalInodes:   uint32(totalInodes),
		DataZones:     uint32(totalZones - firstDataZone),
		InodeMapZones: uint32(imapZones),
		ZoneMapZones:  uint32(zmapZones),
		FirstDataZone: uint32(firstDataZone),
		ZoneShift:     uint32(zoneShift),
		MaxFileSize:   maxFileSizeForShift(zoneShift),
		Magic:         Magic,
	}
	if kernelZones > 0 {
		raw.FirstKernelZone = uint32(firstKernelZone)
		raw.KernelZones = uint32(kernelZones)
	}

	geometry := Geometry{Raw: raw}
	return geometry, geometry.Validate()
}

// ParseSuperblock decodes and validates the superblock in the first zone of a
// volume. `zone0` must hold at least the first KiB.
func ParseSuperblock(zone0 []byte) (Geometry, error) {
	if len(zone0) < SuperblockOffset+SuperblockSize {
		return Geometry{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"need %d bytes to read the superblock, got %d",
				SuperblockOffset+SuperblockSize,
				len(zone0),
			),
		)
	}

	var raw RawSuperblock
	reader := bytes.NewReader(zone0[SuperblockOffset : SuperblockOffset+SuperblockSize])
	err := binary.Read(reader, binary.LittleEndian, &raw)
	if err != nil {
		return Geometry{}, errors.ErrIOFailed.Wrap(err)
	}

	geometry := Geometry{Raw: raw}
	return geometry, geometry.Validate()
}

func corruptSuperblock(format string, args ...any) errors.DriverError {
	return errors.ErrFileSystemCorrupted.WithMessage(
		"corruption detected in superblock: " + fmt.Sprintf(format, args...))
}

// Validate checks the superblock for internal consistency.
func (g Geometry) Validate() error {
	raw := g.Raw
	if raw.Magic != Magic {
		return errors.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("bad magic number: expected %#08x, got %#08x", Magic, raw.Magic))
	}
	if raw.ZoneShift > MaxZoneShift {
		return corruptSuperblock("zone shift %d not in [0, %d]", raw.ZoneShift, MaxZoneShift)
	}
	if raw.ZoneSize != MinZoneSize<<raw.ZoneShift {
		return corruptSuperblock(
			"zone size %d doesn't match zone shift %d", raw.ZoneSize, raw.ZoneShift)
	}
	if raw.InodeMapZones == 0 || raw.ZoneMapZones == 0 {
		return corruptSuperblock(
			"bitmap zone counts must be nonzero, got %d (inodes) and %d (zones)",
			raw.InodeMapZones,
			raw.ZoneMapZones,
		)
	}
	if raw.TotalInodes == 0 {
		return corruptSuperblock("inode count is 0")
	}
	if raw.TotalZones >= MaxTotalZones {
		return corruptSuperblock(
			"%d zones can't be addressed with 24 bits", raw.TotalZones)
	}

	bitsPerZone := uint64(g.BitsPerZone())
	if uint64(raw.InodeMapZones)*bitsPerZone < uint64(raw.TotalInodes)+1 {
		return corruptSuperblock(
			"%d inode bitmap zones can't track %d inodes",
			raw.InodeMapZones,
			raw.TotalInodes,
		)
	}
	if uint64(raw.ZoneMapZones)*bitsPerZone < uint64(raw.DataZones)+1 {
		return corruptSuperblock(
			"%d zone bitmap zones can't track %d data zones",
			raw.ZoneMapZones,
			raw.DataZones,
		)
	}

	inodeTableEnd := uint64(g.InodeTableStart()) + uint64(g.InodeTableZones())
	if raw.FirstKernelZone != 0 {
		if uint64(raw.FirstKernelZone) != inodeTableEnd {
			return corruptSuperblock(
				"first kernel zone is %d, expected %d", raw.FirstKernelZone, inodeTableEnd)
		}
		if raw.FirstDataZone < raw.FirstKernelZone {
			return corruptSuperblock(
				"first data zone %d precedes first kernel zone %d",
				raw.FirstDataZone,
				raw.FirstKernelZone,
			)
		}
		// mkxfs leaves the kernel size at 0, so only check it when it's set.
		if raw.KernelZones != 0 &&
			uint64(raw.FirstDataZone) != uint64(raw.FirstKernelZone)+uint64(raw.KernelZones) {
			return corruptSuperblock(
				"first data zone is %d, expected %d after %d kernel zones",
				raw.FirstDataZone,
				uint64(raw.FirstKernelZone)+uint64(raw.KernelZones),
				raw.KernelZones,
			)
		}
	} else if uint64(raw.FirstDataZone) != inodeTableEnd {
		return corruptSuperblock(
			"first data zone is %d, expected %d", raw.FirstDataZone, inodeTableEnd)
	}

	if raw.FirstDataZone >= raw.TotalZones {
		return corruptSuperblock(
			"first data zone %d is past the end of the volume (%d zones)",
			raw.FirstDataZone,
			raw.TotalZones,
		)
	}
	if raw.DataZones != raw.TotalZones-raw.FirstDataZone {
		return corruptSuperblock(
			"data zone count %d doesn't match layout (%d total, first at %d)",
			raw.DataZones,
			raw.TotalZones,
			raw.FirstDataZone,
		)
	}
	if raw.MaxFileSize == 0 {
		return corruptSuperblock("maximum file size is 0")
	}
	return nil
}

// Serialize writes the superblock into `zone0` at its fixed offset, leaving
// the boot area alone.
func (g Geometry) Serialize(zone0 []byte) error {
	if len(zone0) < SuperblockOffset+SuperblockSize {
		return errors.ErrInvalidArgument.WithMessage("buffer too small for the superblock")
	}
	writer := bytewriter.New(zone0[SuperblockOffset : SuperblockOffset+SuperblockSize])
	return binary.Write(writer, binary.LittleEndian, &g.Raw)
}

func (g Geometry) ZoneSize() uint {
	return uint(g.Raw.ZoneSize)
}

func (g Geometry) ZoneShift() uint {
	return uint(g.Raw.ZoneShift)
}

func (g Geometry) TotalZones() uint {
	return uint(g.Raw.TotalZones)
}

func (g Geometry) TotalInodes() uint {
	return uint(g.Raw.TotalInodes)
}

func (g Geometry) DataZones() uint {
	return uint(g.Raw.DataZones)
}

func (g Geometry) FirstDataZone() c.PhysicalBlock {
	return c.PhysicalBlock(g.Raw.FirstDataZone)
}

func (g Geometry) MaxFileSize() uint64 {
	return uint64(g.Raw.MaxFileSize)
}

// BitsPerZone is the number of bitmap bits one zone holds.
func (g Geometry) BitsPerZone() uint {
	return g.ZoneSize() * 8
}

// AddrsPerZone is the fan-out of an indirection zone.
func (g Geometry) AddrsPerZone() uint {
	return 256 << g.ZoneShift()
}

// AddrsPerZoneBits is log2 of [Geometry.AddrsPerZone].
func (g Geometry) AddrsPerZoneBits() uint {
	return 8 + g.ZoneShift()
}

func (g Geometry) InodesPerZone() uint {
	return InodesPerKiB << g.ZoneShift()
}

// SectorsPerZone is what one zone adds to an inode's block counter.
func (g Geometry) SectorsPerZone() uint32 {
	return uint32(g.ZoneSize() / SectorSize)
}

func (g Geometry) InodeMapStart() c.PhysicalBlock {
	return 1
}

func (g Geometry) ZoneMapStart() c.PhysicalBlock {
	return 1 + c.PhysicalBlock(g.Raw.InodeMapZones)
}

func (g Geometry) InodeTableStart() c.PhysicalBlock {
	return 1 + c.PhysicalBlock(g.Raw.InodeMapZones) + c.PhysicalBlock(g.Raw.ZoneMapZones)
}

func (g Geometry) InodeTableZones() uint {
	perZone := g.InodesPerZone()
	return (g.TotalInodes() + perZone - 1) / perZone
}

// MaxFileZones is the number of logical zones a file may have, i.e. the first
// logical index that is out of range.
func (g Geometry) MaxFileZones() uint {
	bySize := uint(g.MaxFileSize() >> (10 + g.ZoneShift()))
	apz := g.AddrsPerZone()
	byTree := NumDirectZones + apz + apz*apz
	if bySize < byTree {
		return bySize
	}
	return byTree
}

// ZoneCountForSize gives the number of zones needed to hold `size` bytes.
func (g Geometry) ZoneCountForSize(size uint64) uint64 {
	zoneSize := uint64(g.ZoneSize())
	return (size + zoneSize - 1) / zoneSize
}

// IsDataZone is true if `zone` lies in the data area.
func (g Geometry) IsDataZone(zone c.PhysicalBlock) bool {
	return zone >= g.FirstDataZone() && uint(zone) < g.TotalZones()
}

// IsValidInode is true if `ino` names an inode that exists on this volume.
func (g Geometry) IsValidInode(ino Inumber) bool {
	return ino >= 1 && uint(ino) <= g.TotalInodes()
}

// InodeLocation gives the zone holding inode `ino` and the offset of its
// record within that zone.
func (g Geometry) InodeLocation(ino Inumber) (c.PhysicalBlock, uint, error) {
	if !g.IsValidInode(ino) {
		return 0, 0, errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("inode %d not in [1, %d]", ino, g.TotalInodes()))
	}
	index := uint(ino) - 1
	perZone := g.InodesPerZone()
	return g.InodeTableStart() + c.PhysicalBlock(index/perZone), (index % perZone) * InodeSize, nil
}
