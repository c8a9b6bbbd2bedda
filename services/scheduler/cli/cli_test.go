package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "go.yaml.in/yaml/v3"

	"github.com/ramiqadoumi/go-task-scheduler/services/scheduler/config"
)

func TestDefaultYAMLParses(t *testing.T) {
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(defaultSchedulerYAML), &m))
	assert.Equal(t, "sqlite", m["store_backend"])
	assert.Equal(t, 4, m["workers"])
}

func TestWriteConfig_RefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "scheduler.yaml")

	require.NoError(t, writeConfig(dest, "a: 1\n", false))
	err := writeConfig(dest, "a: 2\n", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, writeConfig(dest, "a: 2\n", true))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(data))
}

func TestRenderConfig_OmitsSecrets(t *testing.T) {
	out, err := renderConfig(config.Config{
		StoreBackend: "postgres",
		PollInterval: 250 * time.Millisecond,
		SMTPPassword: "hunter2",
	})
	require.NoError(t, err)

	assert.Contains(t, string(out), "store_backend: postgres")
	assert.Contains(t, string(out), "poll_interval: 250ms")
	assert.NotContains(t, string(out), "hunter2")
}

func TestBuildLimiter(t *testing.T) {
	assert.Nil(t, buildLimiter(config.Config{}, nil))

	l := buildLimiter(config.Config{RateLimit: 5, RateLimitWindow: time.Second}, nil)
	require.NotNil(t, l)
	assert.Equal(t, 5, l.Limit())
}

func TestBuildActions(t *testing.T) {
	reg := buildActions(config.Config{})
	assert.ElementsMatch(t, []string{"webhook"}, reg.IDs())

	reg = buildActions(config.Config{SMTPHost: "smtp.example.com", SMTPPort: 25})
	assert.ElementsMatch(t, []string{"webhook", "email"}, reg.IDs())
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "scheduler ")
	assert.Contains(t, buf.String(), "go version:")
}
