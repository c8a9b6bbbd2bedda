package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	Version, GitCommit, BuildTime = "v1.2.0", "abc123", "2026-05-14"
	t.Cleanup(func() { Version, GitCommit, BuildTime = "dev", "unknown", "unknown" })

	assert.Equal(t, "v1.2.0 (commit abc123, built 2026-05-14, "+runtime.Version()+")", String())
}
