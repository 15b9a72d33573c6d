package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	assert.Equal(t, "dev", Info{Version: "dev", Commit: "none"}.Short())
	assert.Equal(t, "v0.3.0 (abc123)", Info{Version: "v0.3.0", Commit: "abc123"}.Short())
}

func TestGetInfoReportsPlatform(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, Version, info.Version)
	assert.Contains(t, info.Platform, "/")
	assert.Contains(t, info.String(), "Go Version:")
}
