package device

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// hostDeviceName describes the emulated device, including the SIMD features
// the kernels' BLAS path can use.
func hostDeviceName() string {
	var feats []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX2 {
			feats = append(feats, "avx2")
		}
		if cpu.X86.HasFMA {
			feats = append(feats, "fma")
		}
		if cpu.X86.HasAVX512F {
			feats = append(feats, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			feats = append(feats, "asimd")
		}
		if cpu.ARM64.HasSVE {
			feats = append(feats, "sve")
		}
	}
	name := "host/" + runtime.GOARCH
	if len(feats) > 0 {
		name += " (" + strings.Join(feats, ",") + ")"
	}
	return name
}
