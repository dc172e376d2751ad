package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var PluginRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "etl",
	Name:      "plugin_runs",
}, []string{"plugin", "status"})

var RowsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "etl",
	Name:      "rows_processed",
}, []string{"plugin"})

var FlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "niagads",
	Subsystem: "etl",
	Name:      "flush_duration_seconds",
	Buckets:   prometheus.DefBuckets,
}, []string{"plugin"})

// dryRunTable stands in when a plugin writes several tables; it still
// passes the schema.table key check.
const dryRunTable = "DRY.RUN"

// NewRunID builds a short uppercase run identifier.
func NewRunID() string {
	id := uuid.New()
	return fmt.Sprintf("%X", id[:4])
}

type RunnerOptions struct {
	// RunLog persists run records. Leaving it nil forces every run into
	// dry-run mode.
	RunLog RunLog
	Logger utils.Logger
}

// Runner owns the plugin run lifecycle.
type Runner struct {
	runlog  RunLog
	log     utils.Logger
	latency *utils.AvgVal
}

func NewRunner(opts RunnerOptions) *Runner {
	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &Runner{
		runlog:  opts.RunLog,
		log:     log,
		latency: utils.NewAvgVal(0),
	}
}

// FlushLatency reports the rolling average Load call duration.
func (r *Runner) FlushLatency() time.Duration {
	return time.Duration(r.latency.Val())
}

// Run drives one full plugin run: extract, transform, load per the
// plugin's strategy, with run-record persistence and checkpoint capture
// on failure. Runtime parameter overrides apply for this call only; the
// plugin's own parameter set is restored before Run returns, success or
// not.
func (r *Runner) Run(ctx context.Context, plugin Plugin, runtimeParams map[string]any) (*StatusReport, error) {
	params := plugin.Params()
	if len(runtimeParams) > 0 {
		saved := params.Clone()
		merged, err := params.Merge(runtimeParams)
		if err != nil {
			return nil, fmt.Errorf("etl: invalid runtime params: %w", err)
		}
		*params = *merged
		defer func() { *params = *saved }()
		r.log.Info("runtime parameter overrides applied",
			"plugin", plugin.Name(), "keys", sortedKeys(runtimeParams))
	}

	mode := params.Mode
	if r.runlog == nil && mode != ModeDryRun {
		r.log.Warn("no run log configured, forcing dry-run mode", "plugin", plugin.Name())
		mode = ModeDryRun
	}
	runID := params.RunID
	if runID == "" {
		runID = NewRunID()
	}

	log := r.log.With("plugin", plugin.Name(), "run_id", runID)
	if params.LogPath != "" {
		path := logFilePath(params.LogPath, plugin.Name())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			log.Warn("cannot open plugin log file", "path", path, "err", err)
		} else {
			defer f.Close()
			level := slog.LevelInfo
			if params.Debug {
				level = slog.LevelDebug
			}
			log = utils.NewWriterLogger(f, level).With(
				"plugin", plugin.Name(), "run_id", runID)
		}
	}

	start := time.Now()
	var taskID int64
	if mode != ModeDryRun {
		paramsJSON, err := json.Marshal(params.Map())
		if err != nil {
			paramsJSON = []byte("{}")
		}
		rec := &RunRecord{
			Plugin:    plugin.Name(),
			RunID:     runID,
			Operation: plugin.Operation(),
			Params:    string(paramsJSON),
			Status:    StatusRunning,
			StartTime: start,
			Message:   "plugin run initiated",
		}
		if v, ok := plugin.(Versioned); ok {
			rec.CodeVersion = v.Version()
		}
		taskID, err = r.runlog.CreateRun(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("etl: initialize plugin run: %w", err)
		}
	}
	report := NewStatusReport(mode, taskID)
	plugin.BindReport(report)

	logConfiguration(log, params)
	log.Info("plugin run started", "strategy", plugin.Strategy(), "mode", mode)

	var lastLine int64
	var lastRecord any
	var runErr error
	switch plugin.Strategy() {
	case StrategyStreaming:
		lastLine, lastRecord, runErr = r.processStreaming(ctx, plugin, mode, report, log)
	case StrategyBulk:
		lastLine, lastRecord, runErr = r.processBulk(ctx, plugin, mode, report, log)
	case StrategyBatch:
		lastLine, lastRecord, runErr = r.processBatch(ctx, plugin, mode, report, log)
	default:
		runErr = fmt.Errorf("etl: unknown load strategy %d", plugin.Strategy())
	}

	status := StatusSuccess
	if runErr != nil {
		status = StatusFail
		r.logCheckpoint(log, plugin, params, lastLine, lastRecord, runErr)
	}

	end := time.Now()
	report.Status = status
	report.Runtime = end.Sub(start)
	report.Log(log)
	PluginRuns.WithLabelValues(plugin.Name(), strings.ToLower(string(status))).Inc()
	RowsProcessed.WithLabelValues(plugin.Name()).Add(float64(report.TotalWrites()))

	if mode != ModeDryRun && report.TotalWrites() == 0 {
		log.Warn("no transaction counts were updated in load; " +
			"plugins must tally inserts and updates on the status report")
	}
	if mode != ModeDryRun {
		message := ""
		if runErr != nil {
			message = "run failed: " + runErr.Error()
		}
		if err := r.runlog.CompleteRun(ctx, taskID, end, status,
			report.TotalWrites(), message); err != nil {
			log.Error("failed to update run record", "task_id", taskID, "err", err)
		}
	}

	if runErr != nil {
		return report, fmt.Errorf("etl: plugin %s: %w", plugin.Name(), runErr)
	}
	return report, nil
}

func (r *Runner) processStreaming(ctx context.Context, plugin Plugin, mode Mode,
	report *StatusReport, log utils.Logger) (int64, any, error) {
	params := plugin.Params()
	if params.CommitAfter < 1 {
		return 0, nil, fmt.Errorf("etl: streaming load requires commit_after >= 1")
	}
	src, err := plugin.Extract(ctx)
	if err != nil {
		return 0, nil, err
	}
	buffer := make([]any, 0, params.CommitAfter)
	var line int64
	var last any
	for src.Next() {
		line++
		record := src.Record()
		last = record
		transformed, err := plugin.Transform(ctx, record)
		if err != nil {
			return line, last, err
		}
		if transformed == nil {
			report.AddSkips(1)
			continue
		}
		buffer = append(buffer, transformed)
		if len(buffer) >= params.CommitAfter {
			if err := r.flush(ctx, plugin, mode, report, buffer, line, log); err != nil {
				return line, last, err
			}
			buffer = buffer[:0]
		}
	}
	if err := src.Err(); err != nil {
		return line, last, err
	}
	if len(buffer) > 0 {
		if err := r.flush(ctx, plugin, mode, report, buffer, line, log); err != nil {
			return line, last, err
		}
	}
	return line, last, nil
}

func (r *Runner) processBulk(ctx context.Context, plugin Plugin, mode Mode,
	report *StatusReport, log utils.Logger) (int64, any, error) {
	transformed, err := r.extractDataset(ctx, plugin)
	if err != nil {
		return 0, nil, err
	}
	if plugin.Params().CommitAfter > 0 {
		return r.flushChunked(ctx, plugin, mode, report, transformed, log)
	}
	line := int64(len(transformed))
	if err := r.flush(ctx, plugin, mode, report, transformed, line, log); err != nil {
		return line, nil, err
	}
	var last any
	if len(transformed) > 0 {
		last = transformed[len(transformed)-1]
	}
	return line, last, nil
}

func (r *Runner) processBatch(ctx context.Context, plugin Plugin, mode Mode,
	report *StatusReport, log utils.Logger) (int64, any, error) {
	if plugin.Params().CommitAfter < 1 {
		return 0, nil, fmt.Errorf("etl: batch load requires commit_after >= 1")
	}
	transformed, err := r.extractDataset(ctx, plugin)
	if err != nil {
		return 0, nil, err
	}
	return r.flushChunked(ctx, plugin, mode, report, transformed, log)
}

// extractDataset drains the source and transforms the whole dataset in
// one call.
func (r *Runner) extractDataset(ctx context.Context, plugin Plugin) ([]any, error) {
	src, err := plugin.Extract(ctx)
	if err != nil {
		return nil, err
	}
	dataset, err := Drain(src)
	if err != nil {
		return nil, err
	}
	out, err := plugin.Transform(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	transformed, ok := out.([]any)
	if !ok {
		return nil, fmt.Errorf("etl: bulk transform must return a record slice, got %T", out)
	}
	return transformed, nil
}

func (r *Runner) flushChunked(ctx context.Context, plugin Plugin, mode Mode,
	report *StatusReport, records []any, log utils.Logger) (int64, any, error) {
	commitAfter := plugin.Params().CommitAfter
	batch := make([]any, 0, commitAfter)
	var line int64
	var last any
	for _, record := range records {
		line++
		last = record
		batch = append(batch, record)
		if len(batch) >= commitAfter {
			if err := r.flush(ctx, plugin, mode, report, batch, line, log); err != nil {
				return line, last, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := r.flush(ctx, plugin, mode, report, batch, line, log); err != nil {
			return line, last, err
		}
	}
	return line, last, nil
}

// flush hands one buffer to Load, or in dry-run mode counts it as
// would-be inserts without touching the plugin.
func (r *Runner) flush(ctx context.Context, plugin Plugin, mode Mode,
	report *StatusReport, batch []any, line int64, log utils.Logger) error {
	if plugin.Params().Debug {
		log.Debug("flushing buffer", "size", len(batch), "line", line, "mode", mode)
	}
	if mode == ModeDryRun {
		return report.AddInserts(dryRunPlaceholder(plugin), int64(len(batch)))
	}
	started := time.Now()
	n, err := plugin.Load(ctx, batch)
	elapsed := time.Since(started)
	FlushDuration.WithLabelValues(plugin.Name()).Observe(elapsed.Seconds())
	r.latency.Add(float64(elapsed.Nanoseconds()))
	if err != nil {
		return err
	}
	if plugin.Params().Debug {
		log.Debug("buffer loaded", "rows", n, "elapsed", elapsed)
	}
	return nil
}

func dryRunPlaceholder(plugin Plugin) string {
	if tables := plugin.AffectedTables(); len(tables) == 1 {
		return tables[0]
	}
	return dryRunTable
}

// logCheckpoint writes the structured resume hint for a failed run: the
// last settled line for streaming (bulk and batch have no line cursor),
// the record id when obtainable, and the record itself only in
// verbose or debug mode.
func (r *Runner) logCheckpoint(log utils.Logger, plugin Plugin, params *Params,
	line int64, lastRecord any, cause error) {
	if plugin.Strategy() != StrategyStreaming {
		line = -1
	}
	args := []any{"line", line}
	if lastRecord != nil {
		if id := plugin.RecordID(lastRecord); id != "" {
			args = append(args, "record_id", id)
		}
		if params.Verbose || params.Debug {
			args = append(args, "record", lastRecord)
		}
	}
	args = append(args, "cause", cause)
	log.Error("CHECKPOINT", args...)
}

func logConfiguration(log utils.Logger, params *Params) {
	m := params.Map()
	delete(m, "connection_string")
	args := make([]any, 0, len(m)*2)
	for _, k := range sortedKeys(m) {
		args = append(args, k, m[k])
	}
	log.Info("plugin configuration", args...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func logFilePath(logPath, name string) string {
	if strings.HasSuffix(logPath, ".log") {
		return logPath
	}
	return filepath.Join(logPath, name+".log")
}
