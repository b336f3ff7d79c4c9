package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	i := Info{Version: "v0.4.1", CommitHash: "3f9c2a1d0e", BuildTime: "2024-03-10T12:00:00Z"}
	assert.Equal(t, "3f9c2a1", i.Short())
	assert.Equal(t, "spacerjobs v0.4.1 (commit 3f9c2a1, built 2024-03-10T12:00:00Z)", i.String())

	i.Modified = true
	assert.Contains(t, i.String(), "3f9c2a1+dirty")

	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}

func TestGetPrefersLinkerValues(t *testing.T) {
	defer func(v, c string) { Version, CommitHash = v, c }(Version, CommitHash)
	Version, CommitHash = "v1.0.0", "deadbeefcafe"

	info := Get()
	assert.Equal(t, "v1.0.0", info.Version)
	assert.Equal(t, "deadbeefcafe", info.CommitHash)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.BuildTime)
}
