package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParentFromStat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		stat string
		ppid int
		ok   bool
	}{
		{"plain", "1234 (python3) S 99 1234 1234 0 -1", 99, true},
		{"spaces in comm", "1234 (my prog) R 7 1234 1234", 7, true},
		{"parens in comm", "1234 (a) b (c)) S 42 1 1", 42, true},
		{"truncated", "1234 (x) S", 0, false},
		{"garbage", "nonsense", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ppid, ok := parentFromStat(tt.stat)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.ppid, ppid)
			}
		})
	}
}
