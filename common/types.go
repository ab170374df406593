// Package common contains the scalar types shared by the block cache and the
// volume engine.
package common

import "math"

// LogicalBlock is a block index relative to the start of an object, e.g. the
// Nth zone of a file.
type LogicalBlock uint

// PhysicalBlock is an absolute block (zone) index on the volume.
type PhysicalBlock uint

const InvalidLogicalBlock = LogicalBlock(math.MaxUint)
const InvalidPhysicalBlock = PhysicalBlock(math.MaxUint)

// Truncator is an interface for objects that support a Truncate() method. This
// method must behave just like [os.File.Truncate].
type Truncator interface {
	Truncate(size int64) error
}
