package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfigFile(t, "pipeline.json", `{
		"params": {"data_dir": "/data"},
		"stages": [
			{
				"name": "load",
				"parallel_mode": "THREAD",
				"tasks": [
					{"name": "genes", "plugin": "gene_loader", "timeout_seconds": 30},
					{"name": "cleanup", "type": "SHELL", "command": "rm -f tmp"}
				]
			}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Stages, 1)

	stage := cfg.Stages[0]
	assert.Equal(t, "load", stage.Name)
	assert.Equal(t, ModeThread, stage.ParallelMode)
	require.Len(t, stage.Tasks, 2)
	assert.Equal(t, TaskPlugin, stage.Tasks[0].Type)
	assert.Equal(t, "gene_loader", stage.Tasks[0].Plugin)
	assert.Equal(t, 30, stage.Tasks[0].TimeoutSeconds)
	assert.Equal(t, TaskShell, stage.Tasks[1].Type)
	assert.Equal(t, "/data", cfg.Params["data_dir"])
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfigFile(t, "pipeline.yaml", `
params:
  release: "25"
stages:
  - name: extract
    tasks:
      - name: variants
        plugin: variant_loader
        params:
          source: "${release}"
  - name: verify
    parallel_mode: process
    max_concurrency: 2
    tasks:
      - name: check
        type: shell
        command: "true"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, ModeNone, cfg.Stages[0].ParallelMode)
	assert.Equal(t, "${release}", cfg.Stages[0].Tasks[0].Params["source"])
	assert.Equal(t, ModeProcess, cfg.Stages[1].ParallelMode)
	assert.Equal(t, 2, cfg.Stages[1].MaxConcurrency)
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := writeConfigFile(t, "pipeline.toml", "stages = []")
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidateRejectsBadDeclarations(t *testing.T) {
	task := func(t TaskConfig) Config {
		return Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{t}}}}
	}
	cases := map[string]Config{
		"no stages":         {},
		"unnamed stage":     {Stages: []StageConfig{{Tasks: []TaskConfig{{Name: "t", Plugin: "p"}}}}},
		"no tasks":          {Stages: []StageConfig{{Name: "s"}}},
		"unknown mode":      {Stages: []StageConfig{{Name: "s", ParallelMode: "fork", Tasks: []TaskConfig{{Name: "t", Plugin: "p"}}}}},
		"negative workers":  {Stages: []StageConfig{{Name: "s", MaxConcurrency: -1, Tasks: []TaskConfig{{Name: "t", Plugin: "p"}}}}},
		"unnamed task":      task(TaskConfig{Plugin: "p"}),
		"plugin not named":  task(TaskConfig{Name: "t"}),
		"negative timeout":  task(TaskConfig{Name: "t", Plugin: "p", TimeoutSeconds: -1}),
		"negative retries":  task(TaskConfig{Name: "t", Plugin: "p", Retries: -2}),
	}
	for name, cfg := range cases {
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestValidateUnknownTaskType(t *testing.T) {
	cfg := Config{Stages: []StageConfig{{
		Name:  "s",
		Tasks: []TaskConfig{{Name: "t", Type: "teleport"}},
	}}}
	assert.ErrorIs(t, cfg.Validate(), niagads_errors.ErrUnknownTaskType)
}

func TestValidateNormalizesCase(t *testing.T) {
	cfg := Config{Stages: []StageConfig{{
		Name:         "s",
		ParallelMode: "Thread",
		Tasks:        []TaskConfig{{Name: "t", Type: "Plugin", Plugin: "p"}},
	}}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeThread, cfg.Stages[0].ParallelMode)
	assert.Equal(t, TaskPlugin, cfg.Stages[0].Tasks[0].Type)

	// idempotent
	require.NoError(t, cfg.Validate())
}
