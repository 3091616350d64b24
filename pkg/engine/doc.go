// Package engine provides the shared vocabulary of the busy runtime: the
// classified error model and the status state machines used by the
// resource, capability, execution and runtime packages.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry (attempt timeouts)
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Contention on a resource or provider
//   - Permanent: Non-recoverable errors (definition errors, exhausted chains)
//
// Use the helper functions to classify and inspect errors:
//
//	if IsRetryable(err) {
//	    // Retry the attempt
//	}
//
// Definition errors (unknown names, empty priority chains) are permanent and
// carry ErrCodeDefinition so callers can fail fast.
//
// # Status Tracking
//
//   - PlaybookStatus: pending -> running -> completed, running -> failed,
//     running <-> paused, and any status -> failed on cancellation
//   - StepStatus: pending -> running -> completed|failed, pending -> skipped
//   - ExecutionType: algorithmic, ai, human
package engine
