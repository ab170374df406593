package xiafs

import (
	"fmt"
	"runtime"
	"sync"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"
)

// CheckReport is the result of [Volume.Check].
type CheckReport struct {
	InodesScanned   uint
	ZonesReferenced uint
	// Problems holds one error per inconsistency found, or is nil if there were
	// none.
	Problems *multierror.Error
}

// OK is true if no problems were found.
func (report *CheckReport) OK() bool {
	return report.Problems.ErrorOrNil() == nil
}

// Errors lists every problem found.
func (report *CheckReport) Errors() []error {
	if report.Problems == nil {
		return nil
	}
	return report.Problems.Errors
}

type checkState struct {
	volume *Volume
	wg     sync.WaitGroup

	mu     sync.Mutex
	report CheckReport
	owners map[c.PhysicalBlock]Inumber
}

func (state *checkState) problem(format string, args ...any) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.report.Problems = multierror.Append(
		state.report.Problems,
		errors.ErrFileSystemCorrupted.WithMessage(fmt.Sprintf(format, args...)),
	)
}

// claim records that `ino` uses `zone` and returns the inode that claimed it
// first, if any.
func (state *checkState) claim(zone c.PhysicalBlock, ino Inumber) (Inumber, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if owner, exists := state.owners[zone]; exists {
		return owner, true
	}
	state.owners[zone] = ino
	state.report.ZonesReferenced++
	return 0, false
}

func (state *checkState) checkInode(ino Inumber) {
	volume := state.volume
	geometry := volume.geometry

	inode, err := volume.ReadInode(ino)
	if err != nil {
		state.problem("inode %d: can't read record: %s", ino, err.Error())
		return
	}

	state.mu.Lock()
	state.report.InodesScanned++
	state.mu.Unlock()

	if inode.Mode == 0 {
		state.problem("inode %d is marked in use but its record is empty", ino)
		return
	}
	if !inode.HasZoneTree() {
		return
	}

	zonesInTree := uint32(0)
	maxZones := geometry.MaxFileZones()
	err = volume.itree.VisitZones(&inode, func(zone c.PhysicalBlock, logical int) error {
		if !geometry.IsDataZone(zone) {
			state.problem(
				"inode %d: pointer to zone %d, outside the data area [%d, %d)",
				ino,
				zone,
				geometry.FirstDataZone(),
				geometry.TotalZones(),
			)
			return nil
		}
		if logical >= 0 && uint(logical) >= maxZones {
			state.problem("inode %d: logical zone %d is past the maximum file size", ino, logical)
		}

		zonesInTree++
		if !volume.alloc.IsAllocated(ZoneBitmap, uint(zone)) {
			state.problem("inode %d: zone %d is in use but free in the zone bitmap", ino, zone)
		}
		if owner, taken := state.claim(zone, ino); taken {
			state.problem("inode %d: zone %d is also used by inode %d", ino, zone, owner)
		}
		return nil
	})
	if err != nil {
		state.problem("inode %d: can't walk zone tree: %s", ino, err.Error())
		return
	}

	expected := zonesInTree * geometry.SectorsPerZone()
	if inode.Blocks != expected {
		state.problem(
			"inode %d: block counter is %d but %d zones (%d sectors) are allocated",
			ino,
			inode.Blocks,
			zonesInTree,
			expected,
		)
	}
}

// Check scans every inode in use and cross-checks the pointer trees against
// the zone bitmap, using up to `workers` goroutines (the number of CPUs if
// `workers` isn't positive). It never modifies the volume.
func (v *Volume) Check(workers int) (*CheckReport, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	state := &checkState{
		volume: v,
		owners: make(map[c.PhysicalBlock]Inumber),
	}

	pool, err := ants.NewPoolWithFunc(workers, func(arg any) {
		defer state.wg.Done()
		state.checkInode(arg.(Inumber))
	})
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	defer pool.Release()

	for ino := Inumber(1); uint(ino) <= v.geometry.TotalInodes(); ino++ {
		if !v.alloc.IsAllocated(InodeBitmap, uint(ino)) {
			continue
		}
		state.wg.Add(1)
		err = pool.Invoke(ino)
		if err != nil {
			state.wg.Done()
			state.wg.Wait()
			return nil, errors.ErrIOFailed.Wrap(err)
		}
	}
	state.wg.Wait()

	// Anything marked in use that no file points to has leaked.
	for zone := v.geometry.FirstDataZone(); uint(zone) < v.geometry.TotalZones(); zone++ {
		if !v.alloc.IsAllocated(ZoneBitmap, uint(zone)) {
			continue
		}
		if _, referenced := state.owners[zone]; !referenced {
			state.problem("zone %d is marked in use but no inode refers to it", zone)
		}
	}

	return &state.report, nil
}
