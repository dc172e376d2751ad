package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/etl"
	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var TaskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "pipeline",
	Name:      "tasks",
}, []string{"type", "result"})

var StageRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "pipeline",
	Name:      "stages",
}, []string{"mode", "result"})

// DefaultRetryBackoff spaces plugin task retry attempts.
const DefaultRetryBackoff = 2 * time.Second

type Options struct {
	// Only keeps matching "stage" or "stage.task" selectors; Skip drops
	// them. The two are mutually exclusive.
	Only []string
	Skip []string
	// Resume restarts the pipeline from a "stage" or "stage.task" point,
	// dropping everything declared before it.
	Resume string
	// Checkpoint is forwarded to plugin tasks as their resume hint.
	Checkpoint *etl.Checkpoint
	Registry   *etl.Registry
	RunLog     etl.RunLog
	Runner     *etl.Runner
	Logger     utils.Logger
	Verbose    bool
	// RetryBackoff overrides the fixed pause between plugin retries.
	RetryBackoff time.Duration
}

// Manager executes one pipeline declaration.
type Manager struct {
	cfg        *Config
	filters    Filters
	reg        *etl.Registry
	runner     *etl.Runner
	checkpoint *etl.Checkpoint
	log        utils.Logger
	verbose    bool
	backoff    time.Duration
}

// NewManager validates the config and filters and prepares an executor.
// Filter mistakes (conflicting selectors, unreachable resume points) are
// configuration errors and surface here, not mid-run.
func NewManager(cfg *Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filters := Filters{
		Only: ParseSelectors(opts.Only),
		Skip: ParseSelectors(opts.Skip),
	}
	if resume := strings.TrimSpace(opts.Resume); resume != "" {
		sel := ParseSelector(resume)
		filters.Resume = &sel
	}
	if err := filters.validate(cfg.Stages); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	reg := opts.Registry
	if reg == nil {
		reg = etl.DefaultRegistry
	}
	runner := opts.Runner
	if runner == nil {
		runner = etl.NewRunner(etl.RunnerOptions{RunLog: opts.RunLog, Logger: log})
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	if cfg.Params == nil {
		cfg.Params = map[string]any{}
	}
	return &Manager{
		cfg:        cfg,
		filters:    filters,
		reg:        reg,
		runner:     runner,
		checkpoint: opts.Checkpoint,
		log:        log,
		verbose:    opts.Verbose,
		backoff:    backoff,
	}, nil
}

// PlannedStage is one stage of the filtered execution plan with its
// surviving tasks.
type PlannedStage struct {
	Stage StageConfig
	Tasks []TaskConfig
}

// Plan computes the filtered execution plan: skipped and deprecated
// entries out, resume point applied, only/skip selectors applied, and
// stages left with no tasks dropped entirely.
func (m *Manager) Plan() []PlannedStage {
	resume := m.filters.Resume
	resuming := resume != nil
	foundStage := !resuming
	foundTask := !resuming

	var plan []PlannedStage
	for _, stage := range m.cfg.Stages {
		if stage.Skip || stage.Deprecated {
			continue
		}
		if resuming && !foundStage {
			if stage.Name != resume.Stage {
				continue
			}
			foundStage = true
		}
		var tasks []TaskConfig
		for _, task := range stage.Tasks {
			if task.Skip || task.Deprecated {
				continue
			}
			if resuming && stage.Name == resume.Stage && resume.Task != "" && !foundTask {
				if task.Name != resume.Task {
					continue
				}
				foundTask = true
			}
			if len(m.filters.Only) > 0 && !matchAny(m.filters.Only, stage.Name, task.Name) {
				continue
			}
			if matchAny(m.filters.Skip, stage.Name, task.Name) {
				continue
			}
			tasks = append(tasks, task)
		}
		if len(tasks) > 0 {
			plan = append(plan, PlannedStage{Stage: stage, Tasks: tasks})
		}
	}
	return plan
}

// DescribePlan renders the filtered plan for inspection without
// executing it.
func (m *Manager) DescribePlan() string {
	var b strings.Builder
	b.WriteString("Pipeline Plan:")
	for _, ps := range m.Plan() {
		max := "-"
		if ps.Stage.MaxConcurrency > 0 {
			max = strconv.Itoa(ps.Stage.MaxConcurrency)
		}
		fmt.Fprintf(&b, "\n[Stage] %s  mode=%s  max=%s", ps.Stage.Name, ps.Stage.ParallelMode, max)
		for _, t := range ps.Tasks {
			plugin, timeout, retries := "-", "-", "-"
			if t.Plugin != "" {
				plugin = t.Plugin
			}
			if t.TimeoutSeconds > 0 {
				timeout = strconv.Itoa(t.TimeoutSeconds)
			}
			if t.Retries > 0 {
				retries = strconv.Itoa(t.Retries)
			}
			fmt.Fprintf(&b, "\n    - %-12s type=%-10s plugin=%-16s timeout=%-6s retries=%s",
				t.Name, t.Type, plugin, timeout, retries)
		}
	}
	return b.String()
}

// Run executes the filtered plan. Parameter overrides deep-merge into the
// pipeline params before planning; the first failed stage stops the
// pipeline.
func (m *Manager) Run(ctx context.Context, mode etl.Mode, overrides map[string]any) error {
	if len(overrides) > 0 {
		m.cfg.Params = deepMerge(m.cfg.Params, overrides)
	}
	plan := m.Plan()

	m.log.Info("pipeline started", "mode", mode)
	if len(m.filters.Only) > 0 {
		m.log.Info("filter active", "only", selectorStrings(m.filters.Only))
	}
	if len(m.filters.Skip) > 0 {
		m.log.Info("filter active", "skip", selectorStrings(m.filters.Skip))
	}
	if m.filters.Resume != nil {
		m.log.Info("resuming", "from", m.filters.Resume.String())
	}
	if m.verbose {
		m.log.Info(m.DescribePlan())
	}

	for _, ps := range plan {
		m.log.Info("stage started", "stage", ps.Stage.Name, "tasks", taskNames(ps.Tasks))
		if err := m.runStage(ctx, ps, mode); err != nil {
			StageRuns.WithLabelValues(string(ps.Stage.ParallelMode), "fail").Inc()
			m.log.Error("stage failed", "stage", ps.Stage.Name, "err", err)
			m.log.Error("pipeline failed")
			return fmt.Errorf("pipeline: stage %s: %w", ps.Stage.Name, err)
		}
		StageRuns.WithLabelValues(string(ps.Stage.ParallelMode), "ok").Inc()
		m.log.Info("stage completed", "stage", ps.Stage.Name)
	}
	m.log.Info("pipeline completed")
	return nil
}

func (m *Manager) runStage(ctx context.Context, ps PlannedStage, mode etl.Mode) error {
	switch ps.Stage.ParallelMode {
	case ModeThread:
		var g errgroup.Group
		for _, task := range ps.Tasks {
			td := m.descriptor(ps.Stage.Name, task, mode)
			g.Go(func() error { return m.runTask(ctx, td) })
		}
		return g.Wait()
	case ModeProcess:
		return m.runStagePool(ctx, ps, mode)
	default:
		for _, task := range ps.Tasks {
			if err := m.runTask(ctx, m.descriptor(ps.Stage.Name, task, mode)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *Manager) descriptor(stage string, task TaskConfig, mode etl.Mode) taskDescriptor {
	return taskDescriptor{Stage: stage, Task: task, Mode: mode, Scope: m.cfg.Params}
}

// runTask is the task-execution boundary: panics and task errors are
// logged here and become a task failure instead of propagating raw.
// Unknown task types and unknown plugins are configuration mistakes and
// pass through untouched.
func (m *Manager) runTask(ctx context.Context, td taskDescriptor) (err error) {
	name := td.Task.Name
	m.log.Info("task started", "stage", td.Stage, "task", name, "type", td.Task.Type)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task panicked", "task", name,
				"panic", r, "stack", string(debug.Stack()))
			TaskRuns.WithLabelValues(string(td.Task.Type), "fail").Inc()
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()

	err = m.dispatchTask(ctx, td)
	if err == nil {
		TaskRuns.WithLabelValues(string(td.Task.Type), "ok").Inc()
		m.log.Info("task completed", "task", name)
		return nil
	}
	TaskRuns.WithLabelValues(string(td.Task.Type), "fail").Inc()
	if errors.Is(err, niagads_errors.ErrUnknownTaskType) ||
		errors.Is(err, niagads_errors.ErrPluginUnknown) {
		return err
	}
	m.log.Error("task failed", "task", name, "err", err)
	return fmt.Errorf("task %s: %w", name, err)
}

func (m *Manager) dispatchTask(ctx context.Context, td taskDescriptor) error {
	switch td.Task.Type {
	case TaskPlugin:
		return m.runPluginTask(ctx, td)
	case TaskShell:
		return m.runShellTask(ctx, td.Task)
	case TaskFile:
		return m.runFileTask(td.Task)
	case TaskValidation:
		return fmt.Errorf("%w: validation", niagads_errors.ErrNotImplemented)
	case TaskNotify:
		return fmt.Errorf("%w: notify", niagads_errors.ErrNotImplemented)
	default:
		return fmt.Errorf("%w: %q in stage %s",
			niagads_errors.ErrUnknownTaskType, td.Task.Type, td.Stage)
	}
}

func (m *Manager) runPluginTask(ctx context.Context, td taskDescriptor) error {
	factory, err := m.reg.Get(td.Task.Plugin)
	if err != nil {
		return err
	}
	merged := deepMerge(m.cfg.Params, td.Task.Params)
	raw, err := interpolateParams(merged, td.Scope)
	if err != nil {
		return err
	}
	raw["mode"] = string(td.Mode)
	if m.checkpoint != nil {
		raw["resume_checkpoint"] = m.checkpoint
	}

	attempts := td.Task.Retries + 1
	var runErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		params, err := etl.ParamsFromMap(raw)
		if err != nil {
			return err
		}
		plugin, err := factory(td.Task.Name, params)
		if err != nil {
			return err
		}
		runCtx, cancel := m.taskContext(ctx, td.Task)
		_, runErr = m.runner.Run(runCtx, plugin, nil)
		cancel()
		if runErr == nil {
			return nil
		}
		if attempt < attempts {
			m.log.Warn("task retrying", "task", td.Task.Name,
				"attempt", attempt, "of", attempts, "err", runErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.backoff):
			}
		}
	}
	return runErr
}

func (m *Manager) taskContext(ctx context.Context, task TaskConfig) (context.Context, context.CancelFunc) {
	if task.TimeoutSeconds > 0 {
		return context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) runShellTask(ctx context.Context, task TaskConfig) error {
	if task.Command == "" {
		return fmt.Errorf("shell task %s missing command", task.Name)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", task.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell command: %w; stdout: %s; stderr: %s",
			err, strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()))
	}
	if m.verbose && stdout.Len() > 0 {
		m.log.Info("shell output", "task", task.Name,
			"stdout", strings.TrimSpace(stdout.String()))
	}
	return nil
}

func (m *Manager) runFileTask(task TaskConfig) error {
	if task.Path == "" {
		return fmt.Errorf("file task %s missing path", task.Name)
	}
	return fmt.Errorf("%w: file", niagads_errors.ErrNotImplemented)
}

func selectorStrings(selectors []Selector) []string {
	out := make([]string, len(selectors))
	for i, s := range selectors {
		out[i] = s.String()
	}
	return out
}

func taskNames(tasks []TaskConfig) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}
