//go:build unix

package discovery

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const giB = 1 << 30

// categorize reads CPU core count, available memory, and free disk space on
// the root filesystem. Any probe failure reports zero for that field, per
// spec.md §4.3, rather than aborting the beacon reply.
func categorize() DeviceInfo {
	info := DeviceInfo{CPUCores: runtime.NumCPU()}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		info.MemAvailGiB = float64(si.Freeram) * float64(si.Unit) / giB
	}

	var stat unix.Statfs_t
	if err := unix.Statfs("/", &stat); err == nil {
		info.StgAvailGiB = float64(stat.Bavail) * float64(stat.Bsize) / giB
	}

	return info
}
