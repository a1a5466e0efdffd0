package surface

import (
	"strconv"
	"sync/atomic"
)

// ID identifies a surface for the lifetime of its render context.
type ID int64

// NoID is the zero ID. It never names a surface and is the value of the
// current-context token when nothing is bound.
const NoID ID = 0

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

var lastID atomic.Int64

// NextID returns a process-wide unique surface id. Ids are never reused.
func NextID() ID {
	return ID(lastID.Add(1))
}

// GroupKey identifies a view group. It is derived from the host view the
// group's surfaces are drawn into.
type GroupKey uint64
