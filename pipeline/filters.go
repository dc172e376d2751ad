package pipeline

import (
	"fmt"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
)

// Selector addresses a whole stage ("stage") or one task within it
// ("stage.task"). An empty Task means the selector covers every task of
// the stage.
type Selector struct {
	Stage string
	Task  string
}

// ParseSelector splits a "stage" or "stage.task" spec on the first dot.
func ParseSelector(s string) Selector {
	stage, task, _ := strings.Cut(strings.TrimSpace(s), ".")
	return Selector{Stage: stage, Task: task}
}

// ParseSelectors converts a list of selector specs, dropping empties.
func ParseSelectors(items []string) []Selector {
	var out []Selector
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, ParseSelector(item))
		}
	}
	return out
}

func (s Selector) String() string {
	if s.Task == "" {
		return s.Stage
	}
	return s.Stage + "." + s.Task
}

func (s Selector) matches(stage, task string) bool {
	return s.Stage == stage && (s.Task == "" || s.Task == task)
}

func matchAny(selectors []Selector, stage, task string) bool {
	for _, s := range selectors {
		if s.matches(stage, task) {
			return true
		}
	}
	return false
}

// Filters narrows a pipeline plan: Only keeps matching tasks, Skip drops
// them, Resume restarts mid-pipeline. Only and Skip are mutually
// exclusive.
type Filters struct {
	Only   []Selector
	Skip   []Selector
	Resume *Selector
}

// validate checks the filters against the declared stages. A resume point
// must name a reachable (not skipped or deprecated) stage, and task when
// one is given.
func (f *Filters) validate(stages []StageConfig) error {
	if len(f.Only) > 0 && len(f.Skip) > 0 {
		return niagads_errors.ErrFilterConflict
	}
	if f.Resume == nil {
		return nil
	}
	for _, stage := range stages {
		if stage.Name != f.Resume.Stage {
			continue
		}
		if stage.Skip || stage.Deprecated {
			return fmt.Errorf("pipeline: cannot resume at skipped or deprecated stage %s",
				f.Resume.Stage)
		}
		if f.Resume.Task == "" {
			return nil
		}
		for _, task := range stage.Tasks {
			if task.Name != f.Resume.Task {
				continue
			}
			if task.Skip || task.Deprecated {
				return fmt.Errorf("pipeline: cannot resume at skipped or deprecated task %s",
					f.Resume)
			}
			return nil
		}
		return fmt.Errorf("%w: resume point %s", niagads_errors.ErrTaskUnknown, f.Resume)
	}
	return fmt.Errorf("%w: resume point %s", niagads_errors.ErrStageUnknown, f.Resume.Stage)
}
