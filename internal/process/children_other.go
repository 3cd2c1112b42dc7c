//go:build !windows && !linux

package process

func childPids(pid int) []int {
	return pgrepChildren(pid)
}
