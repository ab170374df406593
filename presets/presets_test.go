package presets

import (
	"testing"

	"github.com/dargueta/xiafs"
	"github.com/dargueta/xiafs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet__Floppy(t *testing.T) {
	preset, err := Get("floppy-1440k")
	require.NoError(t, err)

	assert.Equal(t, "3.5-inch HD floppy", preset.Name)
	assert.EqualValues(t, 1440*1024, preset.TotalSizeBytes())
	assert.Equal(
		t,
		xiafs.FormatOptions{TotalZones: 1440, ZoneShift: 0, KernelZones: 0},
		preset.FormatOptions(),
	)
}

func TestGet__LargeZones(t *testing.T) {
	preset, err := Get("disk-64m")
	require.NoError(t, err)

	options := preset.FormatOptions()
	assert.EqualValues(t, 16384, options.TotalZones)
	assert.EqualValues(t, 2, options.ZoneShift)
}

func TestGet__Missing(t *testing.T) {
	_, err := Get("punched-cards")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAll__SortedAndValid(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)

	for i, preset := range all {
		if i > 0 {
			assert.Less(t, all[i-1].Slug, preset.Slug)
		}
		_, err := xiafs.NewGeometry(
			preset.FormatOptions().TotalZones,
			preset.FormatOptions().ZoneShift,
			preset.FormatOptions().KernelZones,
		)
		assert.NoErrorf(t, err, "preset %q has an invalid geometry", preset.Slug)
	}
}

func TestParsePresets__Duplicate(t *testing.T) {
	raw := "slug|name|size_kib|zone_shift|kernel_kib|notes\n" +
		"a|A|1440|0|0|\n" +
		"a|B|720|0|0|\n"
	_, err := parsePresets(raw)
	assert.ErrorContains(t, err, "duplicate")
}

func TestParsePresets__PartialZone(t *testing.T) {
	raw := "slug|name|size_kib|zone_shift|kernel_kib|notes\n" +
		"odd|Odd|1001|2|0|\n"
	_, err := parsePresets(raw)
	assert.ErrorContains(t, err, "whole number")
}

func TestFormatOptions__KernelRoundsUp(t *testing.T) {
	preset := Preset{SizeKiB: 4096, ZoneShift: 1, KernelKiB: 401}
	assert.EqualValues(t, 201, preset.FormatOptions().KernelZones)
}
