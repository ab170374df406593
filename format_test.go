package xiafs

import (
	"bytes"
	"encoding/binary"
	"log"
	"testing"

	"github.com/dargueta/xiafs/errors"
	xiatest "github.com/dargueta/xiafs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat__Layout(t *testing.T) {
	image := formatTestImage(t, 1024, 0)
	geometry, err := ParseSuperblock(image)
	require.NoError(t, err)

	assert.EqualValues(t, Magic, binary.LittleEndian.Uint32(image[572:]))
	assert.EqualValues(t, 20, geometry.FirstDataZone())
	assert.EqualValues(t, 1004, geometry.DataZones())

	// Inode bitmap: reserved bit, root, bad blocks.
	imap := image[1024:2048]
	assert.EqualValues(t, 0x07, imap[0])
	// 272 inodes, so bits 273 and up are set.
	assert.EqualValues(t, 0xfe, imap[34])
	assert.EqualValues(t, 0xff, imap[1023])

	// Zone bitmap: reserved bit and the root directory's zone.
	zmap := image[2048:3072]
	assert.EqualValues(t, 0x03, zmap[0])
	assert.EqualValues(t, 0x00, zmap[1])
	assert.EqualValues(t, 0xff, zmap[1023])

	rootRecord := image[3*1024 : 3*1024+InodeSize]
	root, err := DecodeInode(RootInumber, geometry.TotalInodes(), rootRecord)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.EqualValues(t, DefaultDirectoryMode, root.Mode)
	assert.EqualValues(t, 2, root.Nlinks)
	assert.EqualValues(t, 1024, root.Size)
	assert.EqualValues(t, 2, root.Blocks)
	assert.Equal(t, geometry.FirstDataZone(), root.Zones[0])
	assert.EqualValues(t, SerializeTimestamp(testEpoch), root.ModifyTime)

	badBlocks, err := DecodeInode(
		BadBlocksInumber, geometry.TotalInodes(), image[3*1024+InodeSize:3*1024+2*InodeSize])
	require.NoError(t, err)
	assert.True(t, badBlocks.IsRegular())
	assert.Zero(t, badBlocks.Size)

	rootZone := image[20*1024 : 21*1024]
	assert.EqualValues(t, 1, binary.LittleEndian.Uint32(rootZone[0:]))
	assert.EqualValues(t, 12, binary.LittleEndian.Uint16(rootZone[4:]))
	assert.Equal(t, ".\x00", string(rootZone[7:9]))
	assert.EqualValues(t, 1, binary.LittleEndian.Uint32(rootZone[12:]))
	assert.EqualValues(t, 1012, binary.LittleEndian.Uint16(rootZone[16:]))
	assert.Equal(t, "..\x00", string(rootZone[19:22]))
}

func TestFormat__AllZoneSizes(t *testing.T) {
	for shift := uint(0); shift <= MaxZoneShift; shift++ {
		volume := newTestVolume(t, 512, shift)
		geometry := volume.Geometry()
		stat := volume.FSStat()

		assert.EqualValues(t, 1024<<shift, stat.BlockSize)
		assert.EqualValues(t, geometry.DataZones(), stat.TotalBlocks)
		assert.EqualValues(t, geometry.DataZones()-1, stat.BlocksFree)
		assert.Equal(t, stat.BlocksFree, stat.BlocksAvailable)
		assert.EqualValues(t, geometry.TotalInodes(), stat.Files)
		assert.EqualValues(t, geometry.TotalInodes()-2, stat.FilesFree)
		assert.EqualValues(t, MaxNameLength, stat.MaxNameLength)

		root, err := volume.Stat(RootInumber)
		require.NoError(t, err)
		assert.EqualValues(t, 2<<shift, root.AllocatedSectors)
		assert.EqualValues(t, 1024<<shift, root.Size)

		entries, err := volume.ReadDir(RootInumber)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ".", entries[0].Name)
		assert.Equal(t, "..", entries[1].Name)
		assert.EqualValues(t, (1024<<shift)-12, entries[1].RecordLength)
	}
}

func TestFormat__KernelZonesAreSkipped(t *testing.T) {
	image := make([]byte, 1440*1024)
	geometry, err := Format(
		xiatest.WrapImage(image),
		FormatOptions{TotalZones: 1440, KernelZones: 400, Clock: fixedClock},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 420, geometry.FirstDataZone())

	volume, _ := mountTestImage(t, image, false)
	zone, err := volume.alloc.AllocateZone()
	require.NoError(t, err)
	assert.EqualValues(t, 421, zone)
}

func TestFormat__RootOptions(t *testing.T) {
	image := make([]byte, 256*1024)
	_, err := Format(
		xiatest.WrapImage(image),
		FormatOptions{TotalZones: 256, RootMode: 0o700, UID: 12, GID: 34, Clock: fixedClock},
	)
	require.NoError(t, err)

	volume, _ := mountTestImage(t, image, true)
	root, err := volume.Stat(RootInumber)
	require.NoError(t, err)
	assert.EqualValues(t, S_IFDIR|0o700, root.Mode)
	assert.EqualValues(t, 12, root.UID)
	assert.EqualValues(t, 34, root.GID)
}

func TestFormat__TooSmall(t *testing.T) {
	_, err := Format(
		xiatest.CreateBlankImage(t, 4*1024), FormatOptions{TotalZones: 4})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestMount__BlankImage(t *testing.T) {
	_, err := Mount(xiatest.CreateBlankImage(t, 64*1024), MountOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, errors.ErrInvalidFileSystem)
}

func TestMount__TruncatedImage(t *testing.T) {
	image := formatTestImage(t, 1024, 0)
	_, err := Mount(xiatest.WrapImage(image[:512*1024]), MountOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestMount__RootNotADirectory(t *testing.T) {
	image := formatTestImage(t, 1024, 0)
	binary.LittleEndian.PutUint16(image[3*1024:], S_IFREG|0o644)

	_, err := Mount(xiatest.WrapImage(image), MountOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestMount__VerboseLogsSummary(t *testing.T) {
	image := formatTestImage(t, 1024, 0)

	_, quiet := mountTestImage(t, image, false)
	assert.Empty(t, quiet.String(), "non-verbose mount logged something")

	var logs bytes.Buffer
	_, err := Mount(
		xiatest.WrapImage(image),
		MountOptions{Verbose: true, Logger: log.New(&logs, "", 0)},
	)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "1024 zones of 1024 bytes")
}

func TestUnmount__Persists(t *testing.T) {
	image := formatTestImage(t, 1024, 0)
	volume, _ := mountTestImage(t, image, false)

	dir, err := volume.Mkdir(RootInumber, "docs", 0o755)
	require.NoError(t, err)
	file, err := volume.Create(dir, "readme", 0o644)
	require.NoError(t, err)
	_, err = volume.WriteAt(file, []byte("hello, world"), 0)
	require.NoError(t, err)
	require.NoError(t, volume.Unmount())

	remounted, _ := mountTestImage(t, image, true)
	ino, err := remounted.LookupPath("/docs/readme")
	require.NoError(t, err)
	assert.Equal(t, file, ino)

	contents, err := remounted.ReadFile(ino)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(contents))
	assert.Equal(t, volume.FSStat(), remounted.FSStat())
}

func TestReadOnlyMount(t *testing.T) {
	image := formatTestImage(t, 1024, 0)
	volume, _ := mountTestImage(t, image, true)

	_, err := volume.Create(RootInumber, "file", 0o644)
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)
	_, err = volume.Mkdir(RootInumber, "dir", 0o755)
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)
	assert.ErrorIs(t, volume.Unlink(RootInumber, "file"), errors.ErrReadOnlyFileSystem)
	assert.ErrorIs(t, volume.Rmdir(RootInumber, "dir"), errors.ErrReadOnlyFileSystem)
	assert.ErrorIs(
		t, volume.Rename(RootInumber, "a", RootInumber, "b"), errors.ErrReadOnlyFileSystem)
	_, err = volume.WriteAt(BadBlocksInumber, []byte("x"), 0)
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)

	assert.NoError(t, volume.Unmount())
}

func TestVolume__CleanupFailuresAreLogged(t *testing.T) {
	volume, logs := mountTestImage(t, formatTestImage(t, 64, 0), false)

	volume.logCleanup(nil, "evicting inode %d", 9)
	assert.Empty(t, logs.String())

	volume.logCleanup(
		errors.ErrIOFailed.WithMessage("disk went away"), "evicting inode %d", 9)
	assert.Contains(t, logs.String(), "cleanup failed while evicting inode 9")
	assert.Contains(t, logs.String(), "disk went away")
}

// Freeing a number outside the bitmap during cleanup must show up in the log
// instead of vanishing.
func TestVolume__CleanupFreeOutOfRangeIsLogged(t *testing.T) {
	volume, logs := mountTestImage(t, formatTestImage(t, 64, 0), false)

	volume.logCleanup(volume.alloc.FreeInode(1000), "freeing inode %d", 1000)
	assert.Contains(t, logs.String(), "cleanup failed while freeing inode 1000")
}
