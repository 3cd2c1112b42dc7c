//go:build windows

package target

import "strings"

// lookupKey finds name in env ignoring case, as Windows does.
func lookupKey(env map[string]string, name string) (string, bool) {
	if _, ok := env[name]; ok {
		return name, true
	}
	for k := range env {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}
