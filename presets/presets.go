// Package presets holds the sizes of common media that can be formatted as
// xiafs volumes without working out the zone counts by hand.
package presets

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/dargueta/xiafs"
	"github.com/dargueta/xiafs/errors"
	"github.com/gocarina/gocsv"
)

type Preset struct {
	Slug string `csv:"slug"`
	Name string `csv:"name"`
	// SizeKiB is the size of the whole volume.
	SizeKiB   uint `csv:"size_kib"`
	ZoneShift uint `csv:"zone_shift"`
	// KernelKiB is how much space to set aside for a kernel image. It's rounded
	// up to whole zones.
	KernelKiB uint   `csv:"kernel_kib"`
	Notes     string `csv:"notes"`
}

// ZoneSizeKiB is the size of one zone.
func (p Preset) ZoneSizeKiB() uint {
	return 1 << p.ZoneShift
}

// TotalSizeBytes is the size the image file must have.
func (p Preset) TotalSizeBytes() int64 {
	return int64(p.SizeKiB) * 1024
}

// FormatOptions converts the preset to options for [xiafs.Format].
func (p Preset) FormatOptions() xiafs.FormatOptions {
	zoneKiB := p.ZoneSizeKiB()
	return xiafs.FormatOptions{
		TotalZones:  p.SizeKiB / zoneKiB,
		ZoneShift:   p.ZoneShift,
		KernelZones: (p.KernelKiB + zoneKiB - 1) / zoneKiB,
	}
}

//go:embed volume-presets.csv
var presetsRawCSV string
var presets map[string]Preset

// Get returns the preset with the given slug.
func Get(slug string) (Preset, error) {
	preset, ok := presets[slug]
	if ok {
		return preset, nil
	}
	return Preset{}, errors.ErrNotFound.WithMessage(
		fmt.Sprintf("no volume preset exists with slug %q", slug))
}

// All returns every preset, sorted by slug.
func All() []Preset {
	result := make([]Preset, 0, len(presets))
	for _, preset := range presets {
		result = append(result, preset)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result
}

func parsePresets(rawCSV string) (map[string]Preset, error) {
	csvReader := csv.NewReader(strings.NewReader(rawCSV))
	csvReader.Comma = '|'

	var rows []Preset
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode volume presets: %w", err)
	}

	result := make(map[string]Preset, len(rows))
	for i, row := range rows {
		if _, exists := result[row.Slug]; exists {
			return nil, fmt.Errorf(
				"duplicate definition for preset %q found on row %d", row.Slug, i+1)
		}
		if row.ZoneShift > xiafs.MaxZoneShift {
			return nil, fmt.Errorf(
				"preset %q: zone shift %d not in [0, %d]", row.Slug, row.ZoneShift, xiafs.MaxZoneShift)
		}
		if row.SizeKiB%row.ZoneSizeKiB() != 0 {
			return nil, fmt.Errorf(
				"preset %q: %d KiB isn't a whole number of %d KiB zones",
				row.Slug,
				row.SizeKiB,
				row.ZoneSizeKiB(),
			)
		}
		result[row.Slug] = row
	}
	return result, nil
}

func init() {
	var err error
	presets, err = parsePresets(presetsRawCSV)
	if err != nil {
		panic(err)
	}
}
