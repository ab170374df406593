package xiafs

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"testing"
	"time"

	c "github.com/dargueta/xiafs/common"
	xiatest "github.com/dargueta/xiafs/testing"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Unix(1700000000, 0)

func fixedClock() time.Time {
	return testEpoch
}

// formatTestImage returns a freshly formatted image of `totalZones` zones.
func formatTestImage(t *testing.T, totalZones, zoneShift uint) []byte {
	image := make([]byte, totalZones*(MinZoneSize<<zoneShift))
	_, err := Format(
		xiatest.WrapImage(image),
		FormatOptions{TotalZones: totalZones, ZoneShift: zoneShift, Clock: fixedClock},
	)
	require.NoError(t, err, "formatting failed")
	return image
}

// mountTestImage mounts `image`, collecting log output in the returned buffer.
func mountTestImage(t *testing.T, image []byte, readOnly bool) (*Volume, *bytes.Buffer) {
	var logOutput bytes.Buffer
	volume, err := Mount(
		xiatest.WrapImage(image),
		MountOptions{
			ReadOnly: readOnly,
			UID:      1000,
			GID:      100,
			Logger:   log.New(&logOutput, "", 0),
			Clock:    fixedClock,
		},
	)
	require.NoError(t, err, "mounting failed")
	return volume, &logOutput
}

// newTestVolume formats and mounts a writable volume.
func newTestVolume(t *testing.T, totalZones, zoneShift uint) *Volume {
	volume, _ := mountTestImage(t, formatTestImage(t, totalZones, zoneShift), false)
	return volume
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func mustReadInode(t *testing.T, volume *Volume, ino Inumber) Inode {
	inode, err := volume.ReadInode(ino)
	require.NoError(t, err)
	return inode
}

// requireRecordLengthsFillZones checks that the record lengths in every zone of
// a directory add up to exactly one zone.
func requireRecordLengthsFillZones(t *testing.T, volume *Volume, dir *Inode) {
	zoneSize := volume.geometry.ZoneSize()
	numZones := uint(volume.geometry.ZoneCountForSize(uint64(dir.Size)))

	for index := uint(0); index < numZones; index++ {
		zone, _, err := volume.itree.Resolve(dir, index, false)
		require.NoError(t, err)
		require.NotEqual(t, Hole, zone, "directory zone %d is a hole", index)

		data, err := volume.cache.Block(c.LogicalBlock(zone))
		require.NoError(t, err)

		total := uint(0)
		for total < zoneSize {
			reclen := uint(binary.LittleEndian.Uint16(data[total+4:]))
			require.NotZero(t, reclen, "zero-length record at offset %d of zone %d", total, index)
			total += reclen
		}
		require.Equal(t, zoneSize, total, "record lengths in zone %d don't add up", index)
	}
}
