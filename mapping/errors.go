package mapping

import "errors"

// Errors reported by the engine. Allocation and transfer failures abort
// the operation that hit them; an unbalanced End panics instead, since it
// indicates broken compiler-generated code rather than a runtime
// condition.
var (
	ErrAllocation     = errors.New("mapping: device allocation failed")
	ErrTransfer       = errors.New("mapping: data transfer failed")
	ErrLookupMiss     = errors.New("mapping: host address is not mapped")
	ErrIllegalMapping = errors.New("mapping: illegal mapping")
)
