package xiafs

import (
	"log"
	"time"
)

// FSStat describes the capacity of a mounted volume, like statfs(2).
type FSStat struct {
	// BlockSize is the zone size in bytes.
	BlockSize uint
	// TotalBlocks is the number of data zones.
	TotalBlocks uint64
	BlocksFree  uint64
	// BlocksAvailable is the same as BlocksFree; nothing is reserved for root.
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	MaxNameLength   uint
}

// FileStat is the decoded, caller-facing view of an inode.
type FileStat struct {
	Inumber Inumber
	Mode    uint16
	Nlinks  uint16
	UID     uint16
	GID     uint16
	Size    uint64
	// Blocks is the number of zones the file's size covers, holes included.
	Blocks uint64
	// AllocatedSectors is the on-disk block counter: 512-byte units actually
	// allocated, indirection zones included.
	AllocatedSectors uint32
	// Rdev is the encoded device number of a character or block device.
	Rdev             uint32
	AccessedAt       time.Time
	LastModified     time.Time
	LastStatusChange time.Time
}

func (stat FileStat) IsDir() bool     { return IsDirectoryMode(stat.Mode) }
func (stat FileStat) IsRegular() bool { return IsRegularMode(stat.Mode) }
func (stat FileStat) IsSymlink() bool { return IsSymlinkMode(stat.Mode) }

// MountOptions controls how a volume is mounted.
type MountOptions struct {
	// ReadOnly rejects every mutation with ErrReadOnlyFileSystem and never
	// writes to the image.
	ReadOnly bool
	// UID and GID are the owner given to newly created files.
	UID uint16
	GID uint16
	// Logger receives warnings (double frees, corruption). Defaults to
	// log.Default().
	Logger *log.Logger
	// Verbose logs a summary of the geometry at mount time.
	Verbose bool
	// Clock supplies timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// SerializeTimestamp converts a time to the on-disk representation, seconds
// since the Unix epoch.
func SerializeTimestamp(tstamp time.Time) uint32 {
	return uint32(tstamp.Unix())
}

func DeserializeTimestamp(tstamp uint32) time.Time {
	return time.Unix(int64(tstamp), 0)
}
