package resourcemonitor

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// GPUInfo describes what GPU vendor (if any) was detected on the host and
// the device files backing it.
type GPUInfo struct {
	Vendor  string // "nvidia", "amd", or "none"
	Devices []string
}

// DetectGPU probes /dev for NVIDIA and AMD device nodes. It never shells
// out for detection itself — only VRAM sampling (nvidiaSMIVRAM) does —
// so it works even on hosts without the vendor tooling installed.
func DetectGPU() GPUInfo {
	if devices := findDevices("/dev", "nvidia"); len(devices) > 0 {
		return GPUInfo{Vendor: "nvidia", Devices: devices}
	}
	if _, err := os.Stat("/dev/kfd"); err == nil {
		devices := append([]string{"/dev/kfd"}, findDevices("/dev/dri", "renderD")...)
		return GPUInfo{Vendor: "amd", Devices: devices}
	}
	return GPUInfo{Vendor: "none"}
}

func findDevices(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var devices []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			devices = append(devices, filepath.Join(dir, e.Name()))
		}
	}
	return devices
}

// nvidiaSMIVRAM shells out to nvidia-smi for an aggregate VRAM used/total
// reading across every visible device. It returns ok=false rather than an
// error when nvidia-smi isn't installed, since "VRAM unknown" is a normal
// state on CPU-only or AMD hosts, not a fault.
func nvidiaSMIVRAM(ctx context.Context) (usedBytes, totalBytes uint64, ok bool) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return 0, 0, false
	}

	cmd := exec.CommandContext(ctx, path, "--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, false
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) != 2 {
			continue
		}
		usedMB, errU := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
		totalMB, errT := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if errU != nil || errT != nil {
			continue
		}
		usedBytes += usedMB * 1024 * 1024
		totalBytes += totalMB * 1024 * 1024
		ok = true
	}
	return usedBytes, totalBytes, ok
}
