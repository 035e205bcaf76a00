package tracking

import (
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// HostInfo describes the machine a run executed on. It is stored with the
// run record so results stay attributable to hardware.
type HostInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	CPU      string `json:"cpu"`
	Cores    int    `json:"cores"`
	Threads  int    `json:"threads"`
	Features string `json:"features,omitempty"`
}

// CollectHostInfo reads the identity of the local machine.
func CollectHostInfo() HostInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return HostInfo{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPU:      strings.TrimSpace(cpuid.CPU.BrandName),
		Cores:    cpuid.CPU.PhysicalCores,
		Threads:  cpuid.CPU.LogicalCores,
		Features: vectorFeatures(),
	}
}

// vectorFeatures summarizes the SIMD capabilities that matter for training
// throughput.
func vectorFeatures() string {
	var features []string
	if cpuid.CPU.Supports(cpuid.AVX2) {
		features = append(features, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		features = append(features, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.FMA3) {
		features = append(features, "fma3")
	}
	return strings.Join(features, ",")
}
