//go:build !linux

package runtimemem

// mallocTrim is a no-op off Linux; only glibc exposes malloc_trim.
func mallocTrim() {}
