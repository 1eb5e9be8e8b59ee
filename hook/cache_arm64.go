package hook

const native = true

// clearCache cleans the data cache and invalidates the instruction cache over [start, end).
//
//go:noescape
func clearCache(start, end uintptr)
