// Package pipeline plans and executes declarative stage/task pipelines.
//
// A pipeline is an ordered list of stages; a stage is an ordered list of
// tasks plus an execution mode. Stages are barriers: every task of a stage
// settles before the next stage starts. Plans are filtered by resume
// points and only/skip selectors before execution.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"gopkg.in/yaml.v3"
)

// TaskType names the kind of work a task performs.
type TaskType string

const (
	TaskPlugin     TaskType = "plugin"
	TaskShell      TaskType = "shell"
	TaskFile       TaskType = "file"
	TaskValidation TaskType = "validation"
	TaskNotify     TaskType = "notify"
)

// ParallelMode selects how tasks inside one stage are scheduled.
type ParallelMode string

const (
	ModeNone    ParallelMode = "none"
	ModeThread  ParallelMode = "thread"
	ModeProcess ParallelMode = "process"
)

// TaskConfig declares one unit of work. Type defaults to plugin; the
// command/path/action/channel/message fields only apply to the non-plugin
// kinds.
type TaskConfig struct {
	Name       string         `json:"name" yaml:"name"`
	Type       TaskType       `json:"type,omitempty" yaml:"type,omitempty"`
	Plugin     string         `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Skip       bool           `json:"skip,omitempty" yaml:"skip,omitempty"`
	Deprecated bool           `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Comment    string         `json:"comment,omitempty" yaml:"comment,omitempty"`

	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Action  string `json:"action,omitempty" yaml:"action,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Retries        int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// StageConfig declares one barrier of tasks and their scheduling mode.
type StageConfig struct {
	Name           string       `json:"name" yaml:"name"`
	ParallelMode   ParallelMode `json:"parallel_mode,omitempty" yaml:"parallel_mode,omitempty"`
	MaxConcurrency int          `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Tasks          []TaskConfig `json:"tasks" yaml:"tasks"`
	Skip           bool         `json:"skip,omitempty" yaml:"skip,omitempty"`
	Deprecated     bool         `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Comment        string       `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Config is a full pipeline declaration: pipeline-level params available
// for ${key} interpolation into task params, plus the ordered stages.
type Config struct {
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Stages  []StageConfig  `json:"stages" yaml:"stages"`
	Comment string         `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// LoadConfig reads a pipeline declaration from a JSON or YAML file,
// selected by extension, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read config: %w", err)
	}
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("pipeline: unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes enum fields (lowercased, with defaults applied) and
// checks the declaration for structural mistakes. It is idempotent and is
// called again by NewManager for configs built in code.
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("pipeline: config declares no stages")
	}
	for si := range c.Stages {
		stage := &c.Stages[si]
		if stage.Name == "" {
			return fmt.Errorf("pipeline: stage %d has no name", si)
		}
		stage.ParallelMode = ParallelMode(strings.ToLower(string(stage.ParallelMode)))
		if stage.ParallelMode == "" {
			stage.ParallelMode = ModeNone
		}
		switch stage.ParallelMode {
		case ModeNone, ModeThread, ModeProcess:
		default:
			return fmt.Errorf("pipeline: stage %s: unknown parallel mode %q",
				stage.Name, stage.ParallelMode)
		}
		if stage.MaxConcurrency < 0 {
			return fmt.Errorf("pipeline: stage %s: max_concurrency must be >= 1", stage.Name)
		}
		if len(stage.Tasks) == 0 {
			return fmt.Errorf("pipeline: stage %s declares no tasks", stage.Name)
		}
		for ti := range stage.Tasks {
			task := &stage.Tasks[ti]
			if task.Name == "" {
				return fmt.Errorf("pipeline: stage %s: task %d has no name", stage.Name, ti)
			}
			task.Type = TaskType(strings.ToLower(string(task.Type)))
			if task.Type == "" {
				task.Type = TaskPlugin
			}
			switch task.Type {
			case TaskPlugin, TaskShell, TaskFile, TaskValidation, TaskNotify:
			default:
				return fmt.Errorf("%w: %q for task %s in stage %s",
					niagads_errors.ErrUnknownTaskType, task.Type, task.Name, stage.Name)
			}
			if task.Type == TaskPlugin && task.Plugin == "" {
				return fmt.Errorf("pipeline: stage %s: plugin task %s must name a plugin",
					stage.Name, task.Name)
			}
			if task.TimeoutSeconds < 0 || task.Retries < 0 {
				return fmt.Errorf("pipeline: stage %s: task %s: negative timeout or retries",
					stage.Name, task.Name)
			}
		}
	}
	return nil
}
