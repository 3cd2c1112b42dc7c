package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"0.1.0", "0.1.0", 0},
		{"0.1.0", "0.2.0", -1},
		{"1.0.0", "0.9.9", 1},
		{"v1.2.3", "1.2.3", 0},
		{"1.2.3-beta", "1.2.3", 0},
		{"1.2", "1.2.1", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareVersions(tt.v1, tt.v2), "%s vs %s", tt.v1, tt.v2)
	}
}

func TestCheckForUpdates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dap-relay/"+Version, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0","html_url":"https://example.invalid/release"}`))
	}))
	defer srv.Close()

	info, err := checkForUpdates(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, "99.0.0", info.LatestVersion)
	assert.Contains(t, info.UpdateMessage(), "v99.0.0")
}

func TestCheckForUpdates_BadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := checkForUpdates(context.Background(), srv.Client(), srv.URL)
	assert.ErrorContains(t, err, "status 403")
}

func TestCurrent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Version, Current().Version)
	assert.Empty(t, (&UpdateInfo{}).UpdateMessage())
}
