// Provides common niagads platform error definitions.
package niagads_errors

import "errors"

var (
	ErrCacheMiss   = errors.New("niagads: cache entry not found")
	ErrStoreClosed = errors.New("niagads: cache store is closed")

	ErrPageOutOfRange = errors.New("niagads: requested page does not exist")
	ErrResultTooLarge = errors.New("niagads: result size is too large")
	ErrBadCursor      = errors.New("niagads: malformed pagination cursor")

	ErrInvalidTrack       = errors.New("niagads: invalid track identifier")
	ErrMultipleAssemblies = errors.New("niagads: tracks map to multiple assemblies")

	ErrFilterConflict  = errors.New("niagads: only and skip filters are mutually exclusive")
	ErrStageUnknown    = errors.New("niagads: unknown pipeline stage")
	ErrTaskUnknown     = errors.New("niagads: unknown pipeline task")
	ErrUnknownTaskType = errors.New("niagads: unrecognized task type")
	ErrNotImplemented  = errors.New("niagads: task type not implemented")
	ErrMissingParam    = errors.New("niagads: parameter not found")

	ErrPluginUnknown = errors.New("niagads: unknown plugin")
	ErrBadCheckpoint = errors.New("niagads: checkpoint requires a line number or record id")
)
