package xiafs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/errors"
	"github.com/noxer/bytewriter"
)

type Inumber uint32

// RawInode is the 64-byte on-disk inode record.
type RawInode struct {
	Mode   uint16
	Nlinks uint16
	UID    uint16
	GID    uint16
	Size   uint32
	Ctime  uint32
	Atime  uint32
	Mtime  uint32
	Zones  [NumZonePointers]uint32
}

// Inode is a decoded inode record.
type Inode struct {
	Number Inumber
	Mode   uint16
	Nlinks uint16
	UID    uint16
	GID    uint16
	Size   uint32

	ChangeTime uint32
	AccessTime uint32
	ModifyTime uint32

	// Zones holds the 24-bit zone addresses. For devices Zones[0] is unused;
	// the device number is in Rdev.
	Zones [NumZonePointers]c.PhysicalBlock

	// Blocks is the number of 512-byte sectors allocated to the file, counting
	// indirection zones. Always 0 for devices.
	Blocks uint32

	// Rdev is the encoded device number of a character or block device.
	Rdev uint32

	// highBytes keeps the top byte of every zone word that isn't part of the
	// block counter, so a record survives decode/encode bit for bit.
	highBytes [NumZonePointers]uint8
}

// MaxBlockCount is the largest value the packed block counter can hold.
const MaxBlockCount = 0xFFFFFF

// UnpackBlockCount extracts the block counter stored in the high bytes of the
// first three zone words: word 0 holds bits 0-7, word 1 bits 8-15 and word 2
// bits 16-23.
func UnpackBlockCount(words *[NumZonePointers]uint32) uint32 {
	return (words[0] >> 24) | ((words[1] >> 16) & 0xff00) | ((words[2] >> 8) & 0xff0000)
}

// PackBlockCount stores `count` in the high bytes of the first three zone
// words without touching their address bits.
func PackBlockCount(words *[NumZonePointers]uint32, count uint32) {
	words[0] = (words[0] & ZoneAddressMask) | (count << 24)
	words[1] = (words[1] & ZoneAddressMask) | ((count & 0xff00) << 16)
	words[2] = (words[2] & ZoneAddressMask) | ((count & 0xff0000) << 8)
}

// DecodeInode decodes the 64-byte record for inode `number` on a volume with
// `totalInodes` inodes.
func DecodeInode(number Inumber, totalInodes uint, data []byte) (Inode, error) {
	if number == 0 || uint(number) > totalInodes {
		return Inode{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad inode number %d, not in [1, %d]", number, totalInodes))
	}
	if len(data) < InodeSize {
		return Inode{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode record needs %d bytes, got %d", InodeSize, len(data)))
	}

	var raw RawInode
	err := binary.Read(bytes.NewReader(data[:InodeSize]), binary.LittleEndian, &raw)
	if err != nil {
		return Inode{}, errors.ErrIOFailed.Wrap(err)
	}

	inode := Inode{
		Number:     number,
		Mode:       raw.Mode,
		Nlinks:     raw.Nlinks,
		UID:        raw.UID,
		GID:        raw.GID,
		Size:       raw.Size,
		ChangeTime: raw.Ctime,
		AccessTime: raw.Atime,
		ModifyTime: raw.Mtime,
	}

	firstAddressWord := 0
	if IsDeviceMode(raw.Mode) {
		inode.Rdev = raw.Zones[0]
		firstAddressWord = 1
	} else {
		inode.Blocks = UnpackBlockCount(&raw.Zones)
	}

	for i := firstAddressWord; i < NumZonePointers; i++ {
		inode.Zones[i] = c.PhysicalBlock(raw.Zones[i] & ZoneAddressMask)
		inode.highBytes[i] = uint8(raw.Zones[i] >> 24)
	}
	if !IsDeviceMode(raw.Mode) {
		// These belong to the block counter.
		inode.highBytes[0], inode.highBytes[1], inode.highBytes[2] = 0, 0, 0
	}
	return inode, nil
}

// Raw converts the inode back to its on-disk form.
func (inode *Inode) Raw() RawInode {
	raw := RawInode{
		Mode:   inode.Mode,
		Nlinks: inode.Nlinks,
		UID:    inode.UID,
		GID:    inode.GID,
		Size:   inode.Size,
		Ctime:  inode.ChangeTime,
		Atime:  inode.AccessTime,
		Mtime:  inode.ModifyTime,
	}

	for i := 0; i < NumZonePointers; i++ {
		raw.Zones[i] = (uint32(inode.Zones[i]) & ZoneAddressMask) |
			(uint32(inode.highBytes[i]) << 24)
	}

	if inode.IsDevice() {
		raw.Zones[0] = inode.Rdev
	} else {
		PackBlockCount(&raw.Zones, inode.Blocks)
	}
	return raw
}

// Encode writes the 64-byte record into `dst`.
func (inode *Inode) Encode(dst []byte) error {
	if len(dst) < InodeSize {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode record needs %d bytes, got %d", InodeSize, len(dst)))
	}
	raw := inode.Raw()
	return binary.Write(bytewriter.New(dst[:InodeSize]), binary.LittleEndian, &raw)
}

func (inode *Inode) IsDir() bool     { return IsDirectoryMode(inode.Mode) }
func (inode *Inode) IsRegular() bool { return IsRegularMode(inode.Mode) }
func (inode *Inode) IsSymlink() bool { return IsSymlinkMode(inode.Mode) }
func (inode *Inode) IsDevice() bool  { return IsDeviceMode(inode.Mode) }

// HasZoneTree is true if the zone words are pointers to file content.
func (inode *Inode) HasZoneTree() bool { return HasZoneTree(inode.Mode) }

// Touch sets the modification and status-change times.
func (inode *Inode) Touch(now time.Time) {
	ts := SerializeTimestamp(now)
	inode.ModifyTime = ts
	inode.ChangeTime = ts
}

// Stat converts the inode to a [FileStat].
func (inode *Inode) Stat(geometry Geometry) FileStat {
	stat := FileStat{
		Inumber:          inode.Number,
		Mode:             inode.Mode,
		Nlinks:           inode.Nlinks,
		UID:              inode.UID,
		GID:              inode.GID,
		Size:             uint64(inode.Size),
		AllocatedSectors: inode.Blocks,
		Rdev:             inode.Rdev,
		AccessedAt:       DeserializeTimestamp(inode.AccessTime),
		LastModified:     DeserializeTimestamp(inode.ModifyTime),
		LastStatusChange: DeserializeTimestamp(inode.ChangeTime),
	}
	if inode.HasZoneTree() {
		stat.Blocks = geometry.ZoneCountForSize(uint64(inode.Size))
	}
	return stat
}

// EncodeDevice packs a major/minor pair the way 16-bit Linux device numbers
// were stored.
func EncodeDevice(major, minor uint32) (uint32, error) {
	if major > 0xff || minor > 0xff {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device %d:%d doesn't fit in 16 bits", major, minor))
	}
	return (major << 8) | minor, nil
}

// DecodeDevice is the inverse of [EncodeDevice].
func DecodeDevice(rdev uint32) (major, minor uint32) {
	return (rdev >> 8) & 0xff, rdev & 0xff
}
