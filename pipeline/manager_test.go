package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/etl"
	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probe observes every plugin instance a test registry builds: run count
// across retries, concurrency high-water mark, and the validated params
// each instance received.
type probe struct {
	runs   atomic.Int32
	active atomic.Int32
	high   atomic.Int32

	hold      time.Duration // keep Extract open so overlap is observable
	failFirst int32         // fail this many runs before succeeding
	block     bool          // block in Extract until the context ends

	mu     sync.Mutex
	params []*etl.Params
}

func (pr *probe) register(reg *etl.Registry, name string) {
	reg.Register(name, "1.0", func(taskName string, params *etl.Params) (etl.Plugin, error) {
		pr.mu.Lock()
		pr.params = append(pr.params, params)
		pr.mu.Unlock()
		return &probePlugin{PluginBase: etl.NewPluginBase(taskName, params), pr: pr}, nil
	})
}

func (pr *probe) lastParams(t *testing.T) *etl.Params {
	t.Helper()
	pr.mu.Lock()
	defer pr.mu.Unlock()
	require.NotEmpty(t, pr.params)
	return pr.params[len(pr.params)-1]
}

type probePlugin struct {
	etl.PluginBase
	pr *probe
}

func (p *probePlugin) Description() string        { return "test probe" }
func (p *probePlugin) Operation() etl.Operation   { return etl.OpInsert }
func (p *probePlugin) AffectedTables() []string   { return []string{"test.records"} }
func (p *probePlugin) Strategy() etl.LoadStrategy { return etl.StrategyStreaming }

func (p *probePlugin) Extract(ctx context.Context) (etl.Source, error) {
	run := p.pr.runs.Add(1)
	active := p.pr.active.Add(1)
	defer p.pr.active.Add(-1)
	for {
		high := p.pr.high.Load()
		if active <= high || p.pr.high.CompareAndSwap(high, active) {
			break
		}
	}
	if p.pr.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.pr.hold > 0 {
		time.Sleep(p.pr.hold)
	}
	if run <= p.pr.failFirst {
		return nil, fmt.Errorf("extract failed on run %d", run)
	}
	return etl.SliceSource("r1", "r2"), nil
}

func (p *probePlugin) Transform(_ context.Context, record any) (any, error) { return record, nil }
func (p *probePlugin) Load(_ context.Context, batch []any) (int64, error) {
	return int64(len(batch)), nil
}
func (p *probePlugin) RecordID(any) string { return "" }

func newTestManager(t *testing.T, cfg *Config, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = utils.NewWriterLogger(io.Discard, slog.LevelError)
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	m, err := NewManager(cfg, opts)
	require.NoError(t, err)
	return m
}

func planConfig() *Config {
	return &Config{
		Stages: []StageConfig{
			{Name: "A", Tasks: []TaskConfig{
				{Name: "a1", Plugin: "p"},
				{Name: "a2", Plugin: "p"},
			}},
			{Name: "B", Tasks: []TaskConfig{
				{Name: "b1", Plugin: "p"},
				{Name: "b2", Plugin: "p"},
			}},
			{Name: "C", Tasks: []TaskConfig{
				{Name: "c1", Plugin: "p"},
			}},
		},
	}
}

func stageNames(plan []PlannedStage) []string {
	out := make([]string, len(plan))
	for i, ps := range plan {
		out[i] = ps.Stage.Name
	}
	return out
}

func TestPlanResumeAtStage(t *testing.T) {
	m := newTestManager(t, planConfig(), Options{Resume: "B"})
	plan := m.Plan()
	assert.Equal(t, []string{"B", "C"}, stageNames(plan))
	assert.Equal(t, []string{"b1", "b2"}, taskNames(plan[0].Tasks))
}

func TestPlanResumeAtTask(t *testing.T) {
	m := newTestManager(t, planConfig(), Options{Resume: "B.b2"})
	plan := m.Plan()
	require.Equal(t, []string{"B", "C"}, stageNames(plan))
	assert.Equal(t, []string{"b2"}, taskNames(plan[0].Tasks))
	// later stages keep every task
	assert.Equal(t, []string{"c1"}, taskNames(plan[1].Tasks))
}

func TestPlanOnlyStageWide(t *testing.T) {
	m := newTestManager(t, planConfig(), Options{Only: []string{"B"}})
	plan := m.Plan()
	require.Equal(t, []string{"B"}, stageNames(plan))
	assert.Equal(t, []string{"b1", "b2"}, taskNames(plan[0].Tasks))
}

func TestPlanOnlySingleTask(t *testing.T) {
	m := newTestManager(t, planConfig(), Options{Only: []string{"B.b1"}})
	plan := m.Plan()
	require.Equal(t, []string{"B"}, stageNames(plan))
	assert.Equal(t, []string{"b1"}, taskNames(plan[0].Tasks))
}

func TestPlanSkipDropsEmptiedStage(t *testing.T) {
	m := newTestManager(t, planConfig(), Options{Skip: []string{"B.b1", "B.b2"}})
	assert.Equal(t, []string{"A", "C"}, stageNames(m.Plan()))
}

func TestPlanDropsSkippedAndDeprecated(t *testing.T) {
	cfg := planConfig()
	cfg.Stages[0].Skip = true
	cfg.Stages[1].Tasks[0].Deprecated = true
	m := newTestManager(t, cfg, Options{})
	plan := m.Plan()
	require.Equal(t, []string{"B", "C"}, stageNames(plan))
	assert.Equal(t, []string{"b2"}, taskNames(plan[0].Tasks))
}

func TestNewManagerFilterErrors(t *testing.T) {
	_, err := NewManager(planConfig(), Options{Only: []string{"A"}, Skip: []string{"B"}})
	assert.ErrorIs(t, err, niagads_errors.ErrFilterConflict)

	_, err = NewManager(planConfig(), Options{Resume: "nowhere"})
	assert.ErrorIs(t, err, niagads_errors.ErrStageUnknown)
}

func TestDescribePlan(t *testing.T) {
	m := newTestManager(t, planConfig(), Options{Only: []string{"C"}})
	out := m.DescribePlan()
	assert.Contains(t, out, "Pipeline Plan:")
	assert.Contains(t, out, "[Stage] C")
	assert.Contains(t, out, "c1")
	assert.NotContains(t, out, "[Stage] A")
}

func TestRunSequentialFailFast(t *testing.T) {
	first, bad, last := &probe{}, &probe{failFirst: 100}, &probe{}
	reg := etl.NewRegistry()
	first.register(reg, "first")
	bad.register(reg, "bad")
	last.register(reg, "last")

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t1", Plugin: "first"},
		{Name: "t2", Plugin: "bad"},
		{Name: "t3", Plugin: "last"},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "task t2")
	assert.EqualValues(t, 1, first.runs.Load())
	assert.EqualValues(t, 1, bad.runs.Load())
	assert.EqualValues(t, 0, last.runs.Load(), "failure must stop a sequential stage")
}

func TestRunThreadStageFailsTogether(t *testing.T) {
	ok, bad := &probe{hold: 10 * time.Millisecond}, &probe{failFirst: 100}
	reg := etl.NewRegistry()
	ok.register(reg, "ok")
	bad.register(reg, "bad")

	cfg := &Config{Stages: []StageConfig{{
		Name:         "s",
		ParallelMode: ModeThread,
		Tasks: []TaskConfig{
			{Name: "t1", Plugin: "ok"},
			{Name: "t2", Plugin: "bad"},
			{Name: "t3", Plugin: "ok"},
		},
	}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.EqualValues(t, 2, ok.runs.Load(), "siblings run even when one task fails")
	assert.EqualValues(t, 1, bad.runs.Load())
}

func TestRunProcessStageBoundedAndFailsTogether(t *testing.T) {
	pr := &probe{hold: 20 * time.Millisecond}
	bad := &probe{failFirst: 100}
	reg := etl.NewRegistry()
	pr.register(reg, "worker")
	bad.register(reg, "bad")

	tasks := []TaskConfig{
		{Name: "t1", Plugin: "worker"},
		{Name: "t2", Plugin: "bad"},
		{Name: "t3", Plugin: "worker"},
		{Name: "t4", Plugin: "worker"},
		{Name: "t5", Plugin: "worker"},
	}
	cfg := &Config{Stages: []StageConfig{{
		Name:           "s",
		ParallelMode:   ModeProcess,
		MaxConcurrency: 2,
		Tasks:          tasks,
	}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.EqualValues(t, 4, pr.runs.Load(), "queued tasks run despite the failure")
	assert.EqualValues(t, 1, bad.runs.Load())
	assert.LessOrEqual(t, pr.high.Load(), int32(2), "pool must respect max_concurrency")
}

func TestRunStageBarrier(t *testing.T) {
	bad, unreached := &probe{failFirst: 100}, &probe{}
	reg := etl.NewRegistry()
	bad.register(reg, "bad")
	unreached.register(reg, "next")

	cfg := &Config{Stages: []StageConfig{
		{Name: "s1", Tasks: []TaskConfig{{Name: "t1", Plugin: "bad"}}},
		{Name: "s2", Tasks: []TaskConfig{{Name: "t2", Plugin: "next"}}},
	}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "stage s1")
	assert.EqualValues(t, 0, unreached.runs.Load(), "a failed stage must stop the pipeline")
}

func TestRunUnknownPlugin(t *testing.T) {
	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Plugin: "ghost"},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: etl.NewRegistry()})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	assert.ErrorIs(t, err, niagads_errors.ErrPluginUnknown)
}

func TestRunUnimplementedTaskTypes(t *testing.T) {
	for _, typ := range []TaskType{TaskValidation, TaskNotify} {
		cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
			{Name: "t", Type: typ, Path: "x"},
		}}}}
		m := newTestManager(t, cfg, Options{Registry: etl.NewRegistry()})
		err := m.Run(context.Background(), etl.ModeDryRun, nil)
		assert.ErrorIs(t, err, niagads_errors.ErrNotImplemented, typ)
	}
}

func TestRunFileTask(t *testing.T) {
	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Type: TaskFile, Path: "/tmp/x", Action: "exists"},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: etl.NewRegistry()})
	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	assert.ErrorIs(t, err, niagads_errors.ErrNotImplemented)

	cfg = &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Type: TaskFile},
	}}}}
	m = newTestManager(t, cfg, Options{Registry: etl.NewRegistry()})
	err = m.Run(context.Background(), etl.ModeDryRun, nil)
	assert.ErrorContains(t, err, "missing path")
}

func TestRunShellTask(t *testing.T) {
	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "say", Type: TaskShell, Command: "echo hello"},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: etl.NewRegistry()})
	assert.NoError(t, m.Run(context.Background(), etl.ModeDryRun, nil))
}

func TestRunShellTaskFailureEmbedsOutput(t *testing.T) {
	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "boom", Type: TaskShell, Command: "echo broken >&2; exit 3"},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: etl.NewRegistry()})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exit status 3")
	assert.ErrorContains(t, err, "broken")
}

func TestRunPluginRetries(t *testing.T) {
	pr := &probe{failFirst: 2}
	reg := etl.NewRegistry()
	pr.register(reg, "flaky")

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Plugin: "flaky", Retries: 2},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	require.NoError(t, m.Run(context.Background(), etl.ModeDryRun, nil))
	assert.EqualValues(t, 3, pr.runs.Load(), "two failures then a success")
}

func TestRunPluginRetriesExhausted(t *testing.T) {
	pr := &probe{failFirst: 100}
	reg := etl.NewRegistry()
	pr.register(reg, "flaky")

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Plugin: "flaky", Retries: 1},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.EqualValues(t, 2, pr.runs.Load())
}

func TestRunPluginTimeout(t *testing.T) {
	pr := &probe{block: true}
	reg := etl.NewRegistry()
	pr.register(reg, "stuck")

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Plugin: "stuck", TimeoutSeconds: 1},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, pr.runs.Load())
}

func TestRunInterpolatesTaskParams(t *testing.T) {
	pr := &probe{}
	reg := etl.NewRegistry()
	pr.register(reg, "loader")

	cfg := &Config{
		Params: map[string]any{"data_dir": "/data", "release": 25},
		Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{{
			Name:   "t",
			Plugin: "loader",
			Params: map[string]any{"file": "${data_dir}/genes_v${release}.txt"},
		}}}},
	}
	m := newTestManager(t, cfg, Options{Registry: reg})

	require.NoError(t, m.Run(context.Background(), etl.ModeDryRun, nil))
	params := pr.lastParams(t)
	assert.Equal(t, "/data/genes_v25.txt", params.Extra["file"])
	assert.Equal(t, etl.ModeDryRun, params.Mode)
}

func TestRunMissingInterpolationKey(t *testing.T) {
	pr := &probe{}
	reg := etl.NewRegistry()
	pr.register(reg, "loader")

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{{
		Name:   "t",
		Plugin: "loader",
		Params: map[string]any{"file": "${nope}"},
	}}}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	assert.ErrorIs(t, err, niagads_errors.ErrMissingParam)
	assert.EqualValues(t, 0, pr.runs.Load())
}

func TestRunOverridesMergeIntoParams(t *testing.T) {
	pr := &probe{}
	reg := etl.NewRegistry()
	pr.register(reg, "loader")

	cfg := &Config{
		Params: map[string]any{"data_dir": "/data"},
		Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{{
			Name:   "t",
			Plugin: "loader",
			Params: map[string]any{"file": "${data_dir}/f.txt"},
		}}}},
	}
	m := newTestManager(t, cfg, Options{Registry: reg})

	overrides := map[string]any{"data_dir": "/scratch"}
	require.NoError(t, m.Run(context.Background(), etl.ModeDryRun, overrides))
	assert.Equal(t, "/scratch/f.txt", pr.lastParams(t).Extra["file"])
}

func TestRunForwardsCheckpoint(t *testing.T) {
	pr := &probe{}
	reg := etl.NewRegistry()
	pr.register(reg, "loader")

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Plugin: "loader"},
	}}}}
	m := newTestManager(t, cfg, Options{
		Registry:   reg,
		Checkpoint: &etl.Checkpoint{Line: 4200},
	})

	require.NoError(t, m.Run(context.Background(), etl.ModeDryRun, nil))
	params := pr.lastParams(t)
	require.NotNil(t, params.Checkpoint)
	assert.EqualValues(t, 4200, params.Checkpoint.Line)
}

func TestRunTaskPanicBecomesFailure(t *testing.T) {
	reg := etl.NewRegistry()
	reg.Register("panicky", "1.0", func(name string, params *etl.Params) (etl.Plugin, error) {
		panic("plugin exploded")
	})

	cfg := &Config{Stages: []StageConfig{{Name: "s", Tasks: []TaskConfig{
		{Name: "t", Plugin: "panicky"},
	}}}}
	m := newTestManager(t, cfg, Options{Registry: reg})

	err := m.Run(context.Background(), etl.ModeDryRun, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "panicked")
}
