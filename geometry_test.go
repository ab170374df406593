package xiafs

import (
	"encoding/binary"
	"testing"

	"github.com/dargueta/xiafs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeometry__Floppy(t *testing.T) {
	geometry, err := NewGeometry(1440, 0, 0)
	require.NoError(t, err)

	// 1440 >> 2 = 360 KiB-units, 360 / 16 + 1 = 23 inode zones.
	assert.EqualValues(t, 23, geometry.InodeTableZones())
	assert.EqualValues(t, 23*16, geometry.TotalInodes())
	assert.EqualValues(t, 1, geometry.Raw.InodeMapZones)
	assert.EqualValues(t, 1, geometry.Raw.ZoneMapZones)
	assert.EqualValues(t, 26, geometry.FirstDataZone())
	assert.EqualValues(t, 1440-26, geometry.DataZones())
	assert.EqualValues(t, 0, geometry.Raw.FirstKernelZone)
	assert.EqualValues(t, ((257*256)+8)*1024, geometry.MaxFileSize())
}

func TestNewGeometry__KernelZones(t *testing.T) {
	geometry, err := NewGeometry(1440, 0, 400)
	require.NoError(t, err)

	assert.EqualValues(t, 20, geometry.Raw.FirstKernelZone)
	assert.EqualValues(t, 420, geometry.FirstDataZone())
	assert.EqualValues(t, 400, geometry.Raw.KernelZones)
	assert.NoError(t, geometry.Validate())
}

func TestValidate__KernelZoneCount(t *testing.T) {
	geometry, err := NewGeometry(1440, 0, 400)
	require.NoError(t, err)

	geometry.Raw.KernelZones = 399
	assert.ErrorIs(t, geometry.Validate(), errors.ErrFileSystemCorrupted)

	// Images made by mkxfs record the first kernel zone but not the size.
	geometry.Raw.KernelZones = 0
	assert.NoError(t, geometry.Validate())
}

func TestNewGeometry__Shifts(t *testing.T) {
	for shift := uint(0); shift <= MaxZoneShift; shift++ {
		geometry, err := NewGeometry(4096, shift, 0)
		require.NoErrorf(t, err, "shift %d", shift)

		assert.EqualValues(t, 1024<<shift, geometry.ZoneSize())
		assert.EqualValues(t, 256<<shift, geometry.AddrsPerZone())
		assert.EqualValues(t, 16<<shift, geometry.InodesPerZone())
		assert.EqualValues(t, 2<<shift, geometry.SectorsPerZone())
		assert.Zero(t, geometry.TotalInodes()%geometry.InodesPerZone())
	}
}

func TestNewGeometry__MaxFileZones(t *testing.T) {
	geometry, err := NewGeometry(4096, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 8+256+256*256, geometry.MaxFileZones())

	geometry, err = NewGeometry(4096, 2, 0)
	require.NoError(t, err)
	// Capped by the 32-bit size field, not the tree.
	assert.EqualValues(t, 0xFFFFFFFF>>12, geometry.MaxFileZones())
}

func TestNewGeometry__Invalid(t *testing.T) {
	_, err := NewGeometry(1440, 3, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = NewGeometry(MaxTotalZones, 0, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = NewGeometry(4, 0, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument, "no room for a data zone")

	_, err = NewGeometry(100, 0, 100)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestSuperblock__RoundTrip(t *testing.T) {
	geometry, err := NewGeometry(2048, 1, 0)
	require.NoError(t, err)

	zone0 := make([]byte, 2048)
	zone0[0] = 0xeb
	require.NoError(t, geometry.Serialize(zone0))

	assert.EqualValues(t, 0xeb, zone0[0], "boot area was modified")
	assert.EqualValues(t, Magic, binary.LittleEndian.Uint32(zone0[MagicOffset:]))
	assert.EqualValues(t, 572, MagicOffset)

	parsed, err := ParseSuperblock(zone0)
	require.NoError(t, err)
	assert.Equal(t, geometry, parsed)
}

func TestParseSuperblock__BadMagic(t *testing.T) {
	_, err := ParseSuperblock(make([]byte, 1024))
	assert.ErrorIs(t, err, errors.ErrInvalidFileSystem)
}

func TestParseSuperblock__TooShort(t *testing.T) {
	_, err := ParseSuperblock(make([]byte, 100))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestValidate__Corruption(t *testing.T) {
	base, err := NewGeometry(1440, 0, 0)
	require.NoError(t, err)

	cases := map[string]func(raw *RawSuperblock){
		"zone size":       func(raw *RawSuperblock) { raw.ZoneSize = 2048 },
		"zone shift":      func(raw *RawSuperblock) { raw.ZoneShift = 3; raw.ZoneSize = 8192 },
		"no inode map":    func(raw *RawSuperblock) { raw.InodeMapZones = 0 },
		"no inodes":       func(raw *RawSuperblock) { raw.TotalInodes = 0 },
		"too many inodes": func(raw *RawSuperblock) { raw.TotalInodes = 9000 },
		"first data zone": func(raw *RawSuperblock) { raw.FirstDataZone++ },
		"data zones":      func(raw *RawSuperblock) { raw.DataZones++ },
		"max size":        func(raw *RawSuperblock) { raw.MaxFileSize = 0 },
		"24-bit limit":    func(raw *RawSuperblock) { raw.TotalZones = MaxTotalZones },
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			geometry := base
			corrupt(&geometry.Raw)
			assert.ErrorIs(t, geometry.Validate(), errors.ErrFileSystemCorrupted)
		})
	}
}

func TestInodeLocation(t *testing.T) {
	geometry, err := NewGeometry(1440, 0, 0)
	require.NoError(t, err)

	zone, offset, err := geometry.InodeLocation(1)
	require.NoError(t, err)
	assert.Equal(t, geometry.InodeTableStart(), zone)
	assert.EqualValues(t, 0, offset)

	zone, offset, err = geometry.InodeLocation(17)
	require.NoError(t, err)
	assert.Equal(t, geometry.InodeTableStart()+1, zone)
	assert.EqualValues(t, 0, offset)

	zone, offset, err = geometry.InodeLocation(16)
	require.NoError(t, err)
	assert.Equal(t, geometry.InodeTableStart(), zone)
	assert.EqualValues(t, 15*64, offset)

	_, _, err = geometry.InodeLocation(0)
	assert.ErrorIs(t, err, errors.ErrArgumentOutOfRange)
	_, _, err = geometry.InodeLocation(Inumber(geometry.TotalInodes() + 1))
	assert.ErrorIs(t, err, errors.ErrArgumentOutOfRange)
}
