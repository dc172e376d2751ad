package etl

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/utils"
)

// StatusReport accumulates the transaction tallies of one plugin run.
// Counter methods are safe for concurrent use from inside Load; the
// Status/Runtime fields belong to the runner.
type StatusReport struct {
	Mode    Mode
	TaskID  int64
	Status  Status
	Runtime time.Duration

	mu      sync.Mutex
	inserts map[string]int64
	updates map[string]int64
	skips   int64
}

func NewStatusReport(mode Mode, taskID int64) *StatusReport {
	return &StatusReport{
		Mode:    mode,
		TaskID:  taskID,
		Status:  StatusRunning,
		inserts: map[string]int64{},
		updates: map[string]int64{},
	}
}

// validTableKey requires tables qualified by exactly one schema, as in
// "serenity.track".
func validTableKey(key string) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("etl: table %q must be qualified by a schema (schema.table)", key)
	}
	return nil
}

// AddInserts tallies inserted rows against a schema-qualified table.
func (r *StatusReport) AddInserts(table string, n int64) error {
	if err := validTableKey(table); err != nil {
		return err
	}
	r.mu.Lock()
	r.inserts[table] += n
	r.mu.Unlock()
	return nil
}

// AddUpdates tallies updated rows against a schema-qualified table.
func (r *StatusReport) AddUpdates(table string, n int64) error {
	if err := validTableKey(table); err != nil {
		return err
	}
	r.mu.Lock()
	r.updates[table] += n
	r.mu.Unlock()
	return nil
}

// AddSkips tallies records the plugin chose not to write.
func (r *StatusReport) AddSkips(n int64) {
	r.mu.Lock()
	r.skips += n
	r.mu.Unlock()
}

// Inserts returns a copy of the per-table insert tallies.
func (r *StatusReport) Inserts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCounts(r.inserts)
}

// Updates returns a copy of the per-table update tallies.
func (r *StatusReport) Updates() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCounts(r.updates)
}

func (r *StatusReport) Skips() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skips
}

// TotalWrites sums inserts and updates across all tables; it becomes the
// run record's rows_processed.
func (r *StatusReport) TotalWrites() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, n := range r.inserts {
		total += n
	}
	for _, n := range r.updates {
		total += n
	}
	return total
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Log writes the completion report.
func (r *StatusReport) Log(log utils.Logger) {
	section := "run complete"
	if r.Mode == ModeDryRun {
		section = "dry run complete"
	}
	log.Info(section,
		"status", r.Status,
		"mode", r.Mode,
		"task_id", r.TaskID,
		"runtime", r.Runtime.Round(time.Millisecond))

	inserts, updates := r.Inserts(), r.Updates()
	for _, table := range sortedTables(inserts) {
		log.Info("inserted records", "table", table, "count", inserts[table])
	}
	if len(inserts) == 0 {
		log.Info("inserted records", "count", 0)
	}
	for _, table := range sortedTables(updates) {
		log.Info("updated records", "table", table, "count", updates[table])
	}
	if len(updates) == 0 {
		log.Info("updated records", "count", 0)
	}
	log.Info("skipped records", "count", r.Skips())
}

func sortedTables(m map[string]int64) []string {
	tables := make([]string, 0, len(m))
	for t := range m {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}
