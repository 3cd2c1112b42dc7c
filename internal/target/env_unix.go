//go:build !windows

package target

// lookupKey finds name in env; variable names are case-sensitive here.
func lookupKey(env map[string]string, name string) (string, bool) {
	_, ok := env[name]
	return name, ok
}
