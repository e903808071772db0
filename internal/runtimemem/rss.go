package runtimemem

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// RSSMB returns the process resident set size in megabytes. On Linux it
// reads VmRSS from /proc/self/status; elsewhere it falls back to the Go
// heap's system footprint, which undercounts native allocations.
func RSSMB() int {
	if mb, ok := procRSSMB(); ok {
		return mb
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.Sys / (1 << 20))
}

func procRSSMB() (int, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		// "VmRSS:  123456 kB"
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}
