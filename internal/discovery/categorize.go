package discovery

// DeviceInfo is what categorize reports for a beacon-reply payload:
// CPU core count, available memory, and free disk space, all zero on any
// probe failure per spec.md §4.3.
type DeviceInfo struct {
	CPUCores    int
	MemAvailGiB float64
	StgAvailGiB float64
}

// Categorize exposes the local resource probe outside this package, for the
// node-capability gate AreaResilience.Dependencies.ImCapable runs against
// the LMR/LDR policy thresholds before accepting a Backup promotion.
func Categorize() DeviceInfo {
	return categorize()
}
