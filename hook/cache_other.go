//go:build !arm64

package hook

const native = false

func clearCache(start, end uintptr) {}
