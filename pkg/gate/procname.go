package gate

import (
	"fmt"
	"os"
	"strings"
)

// ProcNameFunc resolves a process name from its pid. Returns "" when the
// process cannot be resolved (already exited, insufficient permissions).
type ProcNameFunc func(pid int) string

func procNameFromProcfs(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
