package speed

import (
	"os"
	"runtime"
	"strings"
)

// cpuModelName returns the "model name" acc. to /proc/cpuinfo, or ""
// on error.
//
// ARM boards often have no "model name" line and report "Hardware" instead.
func cpuModelName() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	content, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	return parseCPUInfo(string(content))
}

func parseCPUInfo(content string) string {
	lines := strings.Split(content, "\n")
	for _, want := range []string{"model name", "Hardware"} {
		for _, line := range lines {
			if !strings.HasPrefix(line, want) {
				continue
			}
			_, val, ok := strings.Cut(line, ":")
			if ok {
				return strings.TrimSpace(val)
			}
		}
	}
	return ""
}
