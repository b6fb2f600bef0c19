package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 30m\nb: 45\n"), &out))
	assert.Equal(t, 30*time.Minute, out.A.Std())
	assert.Equal(t, 45*time.Second, out.B.Std())

	var bad struct {
		A Duration `yaml:"a"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("a: soon\n"), &bad))
}

func validYAML() string {
	return `
storage:
  backend: file
  dir: ./data
seed: 7
budget: 20m
dimensions:
  template: [multiple_choice]
  category: [geography, history]
  voice: [alloy]
  hour: ["9", "17"]
`
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML()), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 20*time.Minute, cfg.OrchestratorConfig().Budget)
	assert.Len(t, cfg.Dimensions["category"], 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage: Storage{Backend: "file", Dir: "./data"},
			Dimensions: map[string][]string{
				"template": {"multiple_choice"},
				"category": {"geography"},
				"voice":    {"alloy"},
				"hour":     {"9"},
			},
		}
	}

	require.NoError(t, base().Validate())

	c := base()
	c.Storage = Storage{Backend: "redis"}
	assert.Error(t, c.Validate())

	c = base()
	c.Storage = Storage{Backend: "postgres"}
	assert.Error(t, c.Validate(), "postgres needs a dsn")

	c = base()
	delete(c.Dimensions, "voice")
	assert.Error(t, c.Validate())

	c = base()
	c.DupThreshold = 1.2
	assert.Error(t, c.Validate())
}
