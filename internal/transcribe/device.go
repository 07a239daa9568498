package transcribe

import (
	"os"

	"github.com/skaldhq/skald/internal/config"
)

// DeviceInfo describes the execution device and numeric precision selected
// for inference. Reported verbatim through the capability endpoint.
type DeviceInfo struct {
	Device    string `json:"device"`
	Precision string `json:"precision"`
}

// cudaDevicePaths are probed, in order, to detect an NVIDIA accelerator.
var cudaDevicePaths = []string{
	"/dev/nvidia0",
	"/dev/nvidiactl",
}

// ProbeDevice resolves a device selector to a concrete device and precision.
// Auto probes for an accelerator and falls back to CPU-friendly float32 when
// none is found.
func ProbeDevice(sel config.Device) DeviceInfo {
	switch sel {
	case config.DeviceCPU:
		return DeviceInfo{Device: "cpu", Precision: "float32"}
	case config.DeviceCUDA:
		return DeviceInfo{Device: "cuda", Precision: "float16"}
	}

	if hasCUDA() {
		return DeviceInfo{Device: "cuda", Precision: "float16"}
	}
	return DeviceInfo{Device: "cpu", Precision: "float32"}
}

// hasCUDA reports whether an NVIDIA device node is visible. An explicitly
// emptied CUDA_VISIBLE_DEVICES hides the accelerator.
func hasCUDA() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok && (v == "" || v == "-1") {
		return false
	}
	for _, p := range cudaDevicePaths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
