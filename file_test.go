package xiafs

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/dargueta/xiafs/errors"
	xiatest "github.com/dargueta/xiafs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func createFile(t *testing.T, volume *Volume, name string) Inumber {
	ino, err := volume.Create(RootInumber, name, 0o644)
	require.NoError(t, err)
	return ino
}

func TestWriteAt__ReadBack(t *testing.T) {
	volume := newTestVolume(t, 1024, 0)
	ino := createFile(t, volume, "f")
	data := randomBytes(t, 3000)

	// Straddles four zones.
	written, err := volume.WriteAt(ino, data, 1000)
	require.NoError(t, err)
	assert.Equal(t, len(data), written)

	stat, err := volume.Stat(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 4000, stat.Size)
	assert.EqualValues(t, 4, stat.Blocks)
	assert.EqualValues(t, 8, stat.AllocatedSectors)

	contents, err := volume.ReadFile(ino)
	require.NoError(t, err)
	require.Len(t, contents, 4000)
	assert.Equal(t, make([]byte, 1000), contents[:1000])
	assert.Equal(t, data, contents[1000:])

	buffer := make([]byte, 100)
	n, err := volume.ReadAt(ino, buffer, 1500)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[500:600], buffer)
}

func TestWriteAt__Overwrite(t *testing.T) {
	volume := newTestVolume(t, 1024, 0)
	ino := createFile(t, volume, "f")

	_, err := volume.WriteAt(ino, bytes.Repeat([]byte{'a'}, 2048), 0)
	require.NoError(t, err)
	freeZones := volume.FSStat().BlocksFree

	_, err = volume.WriteAt(ino, []byte("XYZ"), 1022)
	require.NoError(t, err)
	assert.Equal(t, freeZones, volume.FSStat().BlocksFree, "overwrite allocated zones")

	contents, err := volume.ReadFile(ino)
	require.NoError(t, err)
	expected := bytes.Repeat([]byte{'a'}, 2048)
	copy(expected[1022:], "XYZ")
	assert.Equal(t, expected, contents)
}

func TestWriteAt__FreshZonesAreZeroed(t *testing.T) {
	image := bytes.Repeat([]byte{0xAA}, 1024*1024)
	_, err := Format(
		xiatest.WrapImage(image), FormatOptions{TotalZones: 1024, Clock: fixedClock})
	require.NoError(t, err)
	volume, _ := mountTestImage(t, image, false)
	ino := createFile(t, volume, "f")

	_, err = volume.WriteAt(ino, []byte{1}, 500)
	require.NoError(t, err)
	_, err = volume.WriteAt(ino, []byte{2}, 1024*8+10)
	require.NoError(t, err)

	contents, err := volume.ReadFile(ino)
	require.NoError(t, err)
	expected := make([]byte, 1024*8+11)
	expected[500] = 1
	expected[1024*8+10] = 2
	assert.Equal(t, expected, contents)

	// The rest of the last zone must read as zeros after growing the file.
	require.NoError(t, volume.Truncate(ino, 1024*9))
	contents, err = volume.ReadFile(ino)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024-11), contents[1024*8+11:])
}

func TestWriteAt__SparseFile(t *testing.T) {
	volume := newTestVolume(t, 1024, 0)
	ino := createFile(t, volume, "sparse")
	offset := int64(NumDirectZones+256+3) * 1024

	_, err := volume.WriteAt(ino, []byte("deep"), offset)
	require.NoError(t, err)

	stat, err := volume.Stat(ino)
	require.NoError(t, err)
	assert.EqualValues(t, offset+4, stat.Size)
	// Double-indirect zone, indirect zone and one data zone.
	assert.EqualValues(t, 6, stat.AllocatedSectors)

	buffer := make([]byte, 4)
	_, err = volume.ReadAt(ino, buffer, offset)
	require.NoError(t, err)
	assert.Equal(t, "deep", string(buffer))

	hole := make([]byte, 2048)
	_, err = volume.ReadAt(ino, hole, 5*1024)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 2048), hole)
}

func TestReadAt__EOF(t *testing.T) {
	volume := newTestVolume(t, 1024, 0)
	ino := createFile(t, volume, "f")
	_, err := volume.WriteAt(ino, []byte("0123456789"), 0)
	require.NoError(t, err)

	buffer := make([]byte, 8)
	n, err := volume.ReadAt(ino, buffer, 6)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
	assert.Equal(t, "6789", string(buffer[:n]))

	n, err = volume.ReadAt(ino, buffer, 10)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	n, err = volume.ReadAt(ino, nil, 100)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteAt__Errors(t *testing.T) {
	volume := newTestVolume(t, 1024, 0)
	ino := createFile(t, volume, "f")

	_, err := volume.WriteAt(ino, []byte("x"), -1)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	_, err = volume.ReadAt(ino, make([]byte, 1), -1)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = volume.WriteAt(ino, []byte("x"), int64(volume.geometry.MaxFileSize()))
	assert.ErrorIs(t, err, errors.ErrFileTooLarge)
	assert.ErrorIs(
		t, volume.Truncate(ino, volume.geometry.MaxFileSize()+1), errors.ErrFileTooLarge)

	_, err = volume.WriteAt(RootInumber, []byte("x"), 0)
	assert.ErrorIs(t, err, errors.ErrIsADirectory)
	_, err = volume.ReadAt(RootInumber, make([]byte, 1), 0)
	assert.ErrorIs(t, err, errors.ErrIsADirectory)
	assert.ErrorIs(t, volume.Truncate(RootInumber, 0), errors.ErrIsADirectory)

	link, err := volume.Symlink(RootInumber, "link", "f")
	require.NoError(t, err)
	_, err = volume.WriteAt(link, []byte("x"), 0)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestWriteAt__OutOfSpace(t *testing.T) {
	volume := newTestVolume(t, 64, 0)
	ino := createFile(t, volume, "f")
	free := volume.FSStat().BlocksFree

	data := randomBytes(t, int(free+5)*1024)
	written, err := volume.WriteAt(ino, data, 0)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	// One zone goes to the indirect block.
	assert.EqualValues(t, (free-1)*1024, written)
	assert.Zero(t, volume.FSStat().BlocksFree)

	stat, err := volume.Stat(ino)
	require.NoError(t, err)
	assert.EqualValues(t, written, stat.Size)

	contents, err := volume.ReadFile(ino)
	require.NoError(t, err)
	assert.Equal(t, data[:written], contents)

	// Deleting it gives everything back.
	require.NoError(t, volume.Unlink(RootInumber, "f"))
	assert.Equal(t, free, volume.FSStat().BlocksFree)
}

func TestTruncate__ShrinkAndGrow(t *testing.T) {
	volume := newTestVolume(t, 1024, 0)
	ino := createFile(t, volume, "f")
	freeBefore := volume.FSStat().BlocksFree

	_, err := volume.WriteAt(ino, bytes.Repeat([]byte{0xff}, 10*1024), 0)
	require.NoError(t, err)

	require.NoError(t, volume.Truncate(ino, 1500))
	stat, err := volume.Stat(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, stat.Size)
	assert.EqualValues(t, 4, stat.AllocatedSectors)
	assert.Equal(t, freeBefore-2, volume.FSStat().BlocksFree)

	require.NoError(t, volume.Truncate(ino, 5000))
	contents, err := volume.ReadFile(ino)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 1500), contents[:1500])
	assert.Equal(t, make([]byte, 3500), contents[1500:])
	assert.Equal(t, freeBefore-2, volume.FSStat().BlocksFree, "growing allocated zones")

	require.NoError(t, volume.Truncate(ino, 0))
	stat, err = volume.Stat(ino)
	require.NoError(t, err)
	assert.Zero(t, stat.Size)
	assert.Zero(t, stat.AllocatedSectors)
	assert.Equal(t, freeBefore, volume.FSStat().BlocksFree)
}

func TestTruncate__LargeZones(t *testing.T) {
	volume := newTestVolume(t, 512, 2)
	ino := createFile(t, volume, "f")
	zoneSize := int(volume.geometry.ZoneSize())

	data := randomBytes(t, 9*zoneSize+1)
	_, err := volume.WriteAt(ino, data, 0)
	require.NoError(t, err)

	stat, err := volume.Stat(ino)
	require.NoError(t, err)
	// Ten data zones plus the indirect zone, eight sectors each.
	assert.EqualValues(t, 11*8, stat.AllocatedSectors)

	require.NoError(t, volume.Truncate(ino, uint64(zoneSize)))
	stat, err = volume.Stat(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 8, stat.AllocatedSectors)

	contents, err := volume.ReadFile(ino)
	require.NoError(t, err)
	assert.Equal(t, data[:zoneSize], contents)
}
