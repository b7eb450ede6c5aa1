// Package engine runs carrier status queries for many tracking numbers at once.
//
// # Overview
//
// The Orchestrator takes an ordered list of tracking ids and a QueryProvider
// and produces the raw status text for each id. It works through the list in
// sub-batches. Within a sub-batch queries run concurrently under three limits:
//
//   - MaxConcurrency bounds how many queries are in flight
//   - RequestsPerSecond staggers query starts
//   - Retries bounds how often an empty or failed query is repeated
//
// A sub-batch finishes with a sweep pass that gives every id still without a
// result one more attempt. The caller's handler then sees the sub-batch
// results before the next sub-batch starts, which is where callers flush
// writes and swap rule sets.
//
// # Failure Handling
//
// A single query failing never aborts the run. Failures are retried with
// exponential backoff and finally reported as an empty Result with
// OutcomeFailed. Only a provider that cannot start, a handler error, or
// cancellation of the context stop a run.
//
// Errors are classified with EngineError:
//
//   - Transient: per-item failure, retried
//   - Throttled: remote quota, retried with capped backoff
//   - Permanent: setup failure, aborts
//   - DataShape: malformed input, aborts before any query
//
// # Cancellation
//
// Cancellation is observed between sub-batches. Queries already running
// finish unless Options.CancelInFlight is set.
package engine
