//go:build linux

package runtimemem

import (
	"log/slog"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	mallocTrimOnce sync.Once
	mallocTrimFn   func(int32) int32
)

// mallocTrim asks glibc to return free heap pages to the kernel. The Go
// runtime's GC keeps pages in its own spans; memory allocated by cgo-backed
// libraries (ONNX, SQLite) only shrinks RSS through the allocator.
func mallocTrim() {
	mallocTrimOnce.Do(func() {
		lib, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			slog.Debug("malloc_trim unavailable", slog.String("error", err.Error()))
			return
		}
		purego.RegisterLibFunc(&mallocTrimFn, lib, "malloc_trim")
	})
	if mallocTrimFn != nil {
		mallocTrimFn(0)
	}
}
