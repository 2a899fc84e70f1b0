//go:build !unix

package discovery

import "runtime"

// categorize on non-unix platforms reports CPU count only; memory and disk
// probing use unix-specific syscalls not available here.
func categorize() DeviceInfo {
	return DeviceInfo{CPUCores: runtime.NumCPU()}
}
