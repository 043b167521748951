package version

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GitCommit)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.Platform)
	assert.True(t, info.BuildTime.IsZero(), "default build date is not RFC3339")
}

func TestGetBuildInfo_ParsesValidDate(t *testing.T) {
	original := BuildDate
	defer func() { BuildDate = original }()

	BuildDate = "2026-10-01T08:00:00Z"
	info := GetBuildInfo()

	expected, _ := time.Parse(time.RFC3339, BuildDate)
	assert.True(t, info.BuildTime.Equal(expected))
}

func TestBuildInfoString(t *testing.T) {
	s := GetBuildInfo().String()
	assert.True(t, strings.HasPrefix(s, "mailrelay "+Version))
	assert.Contains(t, s, Platform)
}

func TestUserAgent(t *testing.T) {
	original := Version
	defer func() { Version = original }()

	Version = "1.2.3"
	assert.Equal(t, "mailrelay-client/1.2.3", UserAgent())
}
