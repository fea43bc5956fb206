// Package selector implements the device selector (component 4.H) and
// the per-device weight derivation recovered from the original's
// cores-per-SM table and single/double precision weight ratio
// (SPEC_FULL supplemented features 1-2).
package selector

// coresPerSMTable maps compute capability major.minor to CUDA cores
// per streaming multiprocessor, mirroring the lookup the original
// device-init path used to size a device's single-precision weight
// without asking the driver for anything beyond SM count and clock.
var coresPerSMTable = map[[2]int]int{
	{2, 0}: 32,  // Fermi
	{2, 1}: 48,
	{3, 0}: 192, // Kepler
	{3, 5}: 192,
	{3, 7}: 192,
	{5, 0}: 128, // Maxwell
	{5, 2}: 128,
	{6, 0}: 64, // Pascal
	{6, 1}: 128,
	{7, 0}: 64, // Volta
	{7, 5}: 64, // Turing
	{8, 0}: 64, // Ampere
	{8, 6}: 128,
}

// CoresPerSM returns the cores-per-SM for a given capability, falling
// back to 128 (a reasonable modern default) for unrecognized pairs
// rather than failing registration outright.
func CoresPerSM(major, minor int) int {
	if c, ok := coresPerSMTable[[2]int{major, minor}]; ok {
		return c
	}
	if c, ok := coresPerSMTable[[2]int{major, 0}]; ok {
		return c
	}
	return 128
}

// ComputeWeight derives a single-precision weight (a GFLOPS proxy)
// from static device properties: smCount * coresPerSM * clockRateKHz *
// 2 / 1e6, the same formula the original used at device registration.
func ComputeWeight(smCount, coresPerSM, clockRateKHz int) float64 {
	return float64(smCount) * float64(coresPerSM) * float64(clockRateKHz) * 2 / 1e6
}

// stodRate is the original's stod_rate[] table: single-to-double
// weight ratio indexed by major compute capability 1, 2, 3.
var stodRate = map[int]float64{
	1: 8,
	2: 2,
	3: 3,
}

// DWeightRatio returns the single-to-double precision weight ratio for
// a major capability, clamping to the table's highest known generation
// for newer devices (the original only ever shipped entries through 3).
func DWeightRatio(major int) float64 {
	if major <= 0 {
		major = 1
	}
	if major > 3 {
		major = 3
	}
	return stodRate[major]
}

// DWeight derives the double-precision weight from a single-precision
// weight and major capability.
func DWeight(sweight float64, major int) float64 {
	return sweight / DWeightRatio(major)
}
