// Package reconcile runs one reconciliation pass over a tracking sheet.
//
// A Driver reads every row, decides which tracking numbers need a fresh
// carrier lookup, hands them to the query orchestrator and, for every
// completed sub-batch, normalizes the carrier text, evaluates the alert rules,
// records the decision in the audit log and stages the changed cells with the
// batch writer. Staged cells are flushed after each sub-batch and once more
// when the run ends, whatever the reason.
//
// Rows in the window that are not queried still get their alert cell
// recomputed from the statuses already in the sheet. Driver.Compare does only
// that, without a carrier.
package reconcile
