package process

import (
	"os"
	"strconv"
	"strings"
)

// childPids lists the direct children of pid by scanning /proc.
func childPids(pid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return pgrepChildren(pid)
	}

	var children []int
	for _, e := range entries {
		candidate, err := strconv.Atoi(e.Name())
		if err != nil || candidate == pid {
			continue
		}
		data, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		if ppid, ok := parentFromStat(string(data)); ok && ppid == pid {
			children = append(children, candidate)
		}
	}
	return children
}

// parentFromStat extracts the ppid field from a /proc/<pid>/stat line. The
// command name is parenthesised and may itself contain spaces or parens.
func parentFromStat(stat string) (int, bool) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	return ppid, err == nil
}
