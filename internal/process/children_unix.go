//go:build !windows

package process

import (
	"os/exec"
	"strconv"
	"strings"
)

// pgrepChildren lists the direct children of pid using pgrep.
func pgrepChildren(pid int) []int {
	//nolint:gosec // G204: fixed binary, numeric argument
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	var children []int
	for _, line := range strings.Fields(string(out)) {
		if child, err := strconv.Atoi(line); err == nil {
			children = append(children, child)
		}
	}
	return children
}
