// Package flowerr defines the error kinds raised across the flow runtime and
// their propagation semantics, so callers can classify a failure with
// errors.Is without depending on the package that raised it.
package flowerr

import "errors"

var (
	// ErrConfig marks a flow that failed structural validation. Fatal: the
	// flow never starts.
	ErrConfig = errors.New("config error")

	// ErrPluginMissing marks a task whose plugin name has no registered
	// operation. The task fails and follows on_failure.
	ErrPluginMissing = errors.New("plugin missing")

	// ErrTemplate marks a rendering failure (text template, value template,
	// env expansion, or boolean evaluation). The task fails and the job's
	// status becomes Ko.
	ErrTemplate = errors.New("template error")

	// ErrValidate marks an operation Validate failure. The task fails.
	ErrValidate = errors.New("validate error")

	// ErrExec marks an operation Run failure. Recoverable by default (Ko +
	// error message); an operation may still choose to surface a fatal
	// error to the orchestrator by returning it alongside a non-Ko result.
	ErrExec = errors.New("exec error")

	// ErrChannelClosed marks a message pump observing its inbound endpoint
	// close. The stage exits cleanly, it is not a failure.
	ErrChannelClosed = errors.New("channel closed")

	// ErrDependencyTimeout marks a job's dependency wait exceeding
	// wait_timeout_ms. The message is skipped with a warning.
	ErrDependencyTimeout = errors.New("dependency wait timeout")

	// ErrStore marks a KV backend failure, surfaced to the calling
	// operation.
	ErrStore = errors.New("store error")
)
