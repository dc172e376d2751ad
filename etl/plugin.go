// Package etl drives extract/transform/load plugin runs.
//
// A plugin supplies the domain logic; the runtime owns the lifecycle:
// buffering and flushing by strategy, dry-run accounting, run-record
// persistence, and checkpoint capture on failure. Plugins own commit and
// rollback decisions inside Load; the runtime never commits on their
// behalf.
package etl

import "context"

// Mode selects the transaction discipline of a run.
type Mode string

const (
	// ModeCommit performs the load and lets the plugin commit.
	ModeCommit Mode = "commit"
	// ModeNonCommit performs the load but the plugin rolls back at the end.
	ModeNonCommit Mode = "non-commit"
	// ModeDryRun simulates the load. No database writes of any kind.
	ModeDryRun Mode = "dry-run"
)

// ParseMode reads a mode name, case-insensitively, accepting underscore
// or dash separators.
func ParseMode(s string) (Mode, error) {
	switch normalized := normalizeEnum(s); Mode(normalized) {
	case ModeCommit, ModeNonCommit, ModeDryRun:
		return Mode(normalized), nil
	default:
		return "", errBadEnum("mode", s)
	}
}

// Status tracks a run through its lifecycle.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
)

// Operation labels the rows a plugin writes.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// LoadStrategy is how the runtime feeds records to Load.
type LoadStrategy int

const (
	// StrategyStreaming transforms record by record and flushes a buffer
	// every commit_after records.
	StrategyStreaming LoadStrategy = iota
	// StrategyBulk transforms the whole dataset at once; it loads in one
	// call, or in commit_after chunks when a batch size is configured.
	StrategyBulk
	// StrategyBatch transforms the whole dataset, then always flushes in
	// commit_after chunks.
	StrategyBatch
)

var strategyNames = []string{"streaming", "bulk", "batch"}

func (s LoadStrategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// Source is a lazy record sequence in the scanner idiom: Next advances,
// Record returns the current record, Err reports what stopped iteration.
type Source interface {
	Next() bool
	Record() any
	Err() error
}

type sliceSource struct {
	records []any
	idx     int
}

// SliceSource wraps an in-memory record list as a Source.
func SliceSource(records ...any) Source {
	return &sliceSource{records: records, idx: -1}
}

func (s *sliceSource) Next() bool {
	if s.idx+1 >= len(s.records) {
		return false
	}
	s.idx++
	return true
}

func (s *sliceSource) Record() any { return s.records[s.idx] }
func (s *sliceSource) Err() error  { return nil }

// Drain reads a source to completion.
func Drain(src Source) ([]any, error) {
	var records []any
	for src.Next() {
		records = append(records, src.Record())
	}
	return records, src.Err()
}

// Plugin is the contract every loader implements.
//
// Transform's argument follows the strategy: a single record for
// streaming (return nil to skip it), the whole dataset ([]any, returned
// as []any) for bulk and batch. Load receives buffers no larger than
// commit_after and returns the row count it persisted; implementations
// must also tally writes per table on the run's report (see
// PluginBase.Report) for accurate reporting.
type Plugin interface {
	Name() string
	Params() *Params
	BindReport(*StatusReport)
	Description() string
	Operation() Operation
	AffectedTables() []string
	Strategy() LoadStrategy
	Extract(ctx context.Context) (Source, error)
	Transform(ctx context.Context, data any) (any, error)
	Load(ctx context.Context, batch []any) (int64, error)
	RecordID(record any) string
}

// Versioned is implemented by plugins that declare a code version; the
// runtime stamps it on the run record.
type Versioned interface {
	Version() string
}

// PluginBase carries the per-instance identity every plugin shares;
// embed it and implement the rest of the Plugin contract.
type PluginBase struct {
	name   string
	params *Params
	report *StatusReport
}

func NewPluginBase(name string, params *Params) PluginBase {
	if params == nil {
		params = NewParams()
	}
	return PluginBase{name: name, params: params}
}

func (b *PluginBase) Name() string    { return b.name }
func (b *PluginBase) Params() *Params { return b.params }

// BindReport attaches the current run's status report. The runtime calls
// it at the start of every run.
func (b *PluginBase) BindReport(r *StatusReport) { b.report = r }

// Report is the current run's status report, valid inside Extract,
// Transform, and Load. Loaders tally their writes here.
func (b *PluginBase) Report() *StatusReport { return b.report }
