package etl

import (
	"fmt"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
)

// DefaultCommitAfter is the records-per-flush buffer size applied when a
// run does not configure one. A commit_after of 0 disables batching: the
// whole dataset loads in one call (bulk only).
const DefaultCommitAfter = 10000

// Checkpoint is a resume hint carried in the parameters of a re-invoked
// run. The runtime never interprets it; a plugin's Extract skips lines
// before Line, or its Transform skips records until RecordID matches.
type Checkpoint struct {
	Line     int64  `json:"line,omitempty" yaml:"line,omitempty"`
	RecordID string `json:"id,omitempty" yaml:"id,omitempty"`
}

// Validate requires at least one usable resume coordinate.
func (c *Checkpoint) Validate() error {
	if c.Line < 1 && c.RecordID == "" {
		return niagads_errors.ErrBadCheckpoint
	}
	return nil
}

func (c *Checkpoint) String() string {
	if c.RecordID != "" {
		return "id=" + c.RecordID
	}
	return fmt.Sprintf("line=%d", c.Line)
}

// Params is the validated parameter set of one plugin instance. Keys the
// runtime does not claim land in Extra for the plugin's own use.
type Params struct {
	Mode             Mode
	CommitAfter      int
	LogPath          string
	Checkpoint       *Checkpoint
	RunID            string
	ConnectionString string
	Verbose          bool
	Debug            bool
	Extra            map[string]any
}

// NewParams returns the default parameter set: dry-run mode, default
// commit batch size.
func NewParams() *Params {
	return &Params{
		Mode:        ModeDryRun,
		CommitAfter: DefaultCommitAfter,
		Extra:       map[string]any{},
	}
}

// ParamsFromMap validates a raw parameter map, as delivered by a pipeline
// config after interpolation.
func ParamsFromMap(m map[string]any) (*Params, error) {
	p := NewParams()
	for k, v := range m {
		if err := p.apply(k, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Merge returns a copy of p with overrides applied and re-validated; p is
// left untouched.
func (p *Params) Merge(overrides map[string]any) (*Params, error) {
	out := p.Clone()
	for k, v := range overrides {
		if err := out.apply(k, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Clone deep-copies the parameter set.
func (p *Params) Clone() *Params {
	out := *p
	out.Extra = make(map[string]any, len(p.Extra))
	for k, v := range p.Extra {
		out.Extra[k] = v
	}
	if p.Checkpoint != nil {
		cp := *p.Checkpoint
		out.Checkpoint = &cp
	}
	return &out
}

// Map renders the full parameter set back to a flat map, the inverse of
// ParamsFromMap.
func (p *Params) Map() map[string]any {
	out := map[string]any{
		"mode":         string(p.Mode),
		"commit_after": p.CommitAfter,
		"verbose":      p.Verbose,
		"debug":        p.Debug,
	}
	if p.LogPath != "" {
		out["log_path"] = p.LogPath
	}
	if p.RunID != "" {
		out["run_id"] = p.RunID
	}
	if p.ConnectionString != "" {
		out["connection_string"] = p.ConnectionString
	}
	if p.Checkpoint != nil {
		cp := map[string]any{}
		if p.Checkpoint.Line > 0 {
			cp["line"] = p.Checkpoint.Line
		}
		if p.Checkpoint.RecordID != "" {
			cp["id"] = p.Checkpoint.RecordID
		}
		out["resume_checkpoint"] = cp
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

func (p *Params) apply(key string, value any) error {
	switch key {
	case "mode":
		s, ok := value.(string)
		if !ok {
			if m, isMode := value.(Mode); isMode {
				s = string(m)
			} else {
				return errBadEnum("mode", value)
			}
		}
		mode, err := ParseMode(s)
		if err != nil {
			return err
		}
		p.Mode = mode
	case "commit_after":
		if value == nil {
			p.CommitAfter = 0
			return nil
		}
		n, ok := asInt64(value)
		if !ok || n < 0 {
			return fmt.Errorf("etl: commit_after must be a non-negative integer, got %v", value)
		}
		p.CommitAfter = int(n)
	case "log_path":
		p.LogPath = fmt.Sprint(value)
	case "resume_checkpoint":
		cp, err := asCheckpoint(value)
		if err != nil {
			return err
		}
		p.Checkpoint = cp
	case "run_id":
		p.RunID = fmt.Sprint(value)
	case "connection_string":
		p.ConnectionString = fmt.Sprint(value)
	case "verbose":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("etl: verbose must be a boolean, got %v", value)
		}
		p.Verbose = b
	case "debug":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("etl: debug must be a boolean, got %v", value)
		}
		p.Debug = b
	default:
		p.Extra[key] = value
	}
	return nil
}

func asCheckpoint(value any) (*Checkpoint, error) {
	var cp Checkpoint
	switch v := value.(type) {
	case *Checkpoint:
		if v == nil {
			return nil, niagads_errors.ErrBadCheckpoint
		}
		cp = *v
	case Checkpoint:
		cp = v
	case map[string]any:
		if line, ok := v["line"]; ok && line != nil {
			n, numeric := asInt64(line)
			if !numeric {
				return nil, fmt.Errorf("%w: line %v is not a number",
					niagads_errors.ErrBadCheckpoint, line)
			}
			cp.Line = n
		}
		if id, ok := v["id"]; ok && id != nil {
			cp.RecordID = fmt.Sprint(id)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported value %v", niagads_errors.ErrBadCheckpoint, value)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// asInt64 coerces the numeric types JSON and YAML decoders produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func normalizeEnum(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

func errBadEnum(field string, value any) error {
	return fmt.Errorf("etl: unrecognized %s %q", field, value)
}
