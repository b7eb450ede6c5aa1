// Package rules holds the reconciliation business rules: which records are
// worth querying, which have reached a final state and when a disagreement
// between the order system and the carrier deserves an alert.
//
// Every function is pure and total over the canonical status vocabulary.
package rules

import "github.com/trackrecon/trackrecon/pkg/status"

var queryable = map[status.Status]struct{}{
	status.LabelCreated:       {},
	status.Pending:            {},
	status.Processing:         {},
	status.AtCarrierWarehouse: {},
	status.InTransit:          {},
	status.AtDestinationHub:   {},
	status.OutForDelivery:     {},
	status.DeliveryAttempt:    {},
	status.Incident:           {},
	status.Reshipped:          {},
	status.Resent:             {},
	status.AtAgency:           {},
}

var terminal = map[status.Status]struct{}{
	status.Delivered: {},
	status.Returned:  {},
}

// CanQuery reports whether a record whose source status is source should be
// looked up on the carrier portal.
func CanQuery(source status.Status) bool {
	_, ok := queryable[source.OrDefault()]
	return ok
}

// IsTerminal reports whether either status is final. Terminal records are
// never queried again.
func IsTerminal(source, web status.Status) bool {
	_, a := terminal[source]
	_, b := terminal[web]
	return a || b
}

// AlertRule identifies which alert rule decided a comparison.
type AlertRule int

const (
	// RuleNone means the statuses agree.
	RuleNone AlertRule = iota
	// RuleLabelDelivered fires when the order system still shows a generated
	// label but the carrier reports delivery.
	RuleLabelDelivered
	// RuleSourceDelivered fires when the order system says delivered and
	// the carrier does not.
	RuleSourceDelivered
	// RuleSourceReturned fires when the order system says returned and the
	// carrier does not.
	RuleSourceReturned
	// RuleMismatch fires on any other disagreement.
	RuleMismatch
)

func (r AlertRule) String() string {
	switch r {
	case RuleLabelDelivered:
		return "label_delivered"
	case RuleSourceDelivered:
		return "source_delivered"
	case RuleSourceReturned:
		return "source_returned"
	case RuleMismatch:
		return "mismatch"
	default:
		return "none"
	}
}

// Alert reports whether the rule raises an alert.
func (r AlertRule) Alert() bool {
	return r != RuleNone
}

// EvaluateAlert applies the alert rules in priority order and returns the
// first one that matches. Empty statuses count as PENDIENTE.
//
// The rules collapse to a boolean today; keeping them ordered leaves room for
// a severity tier on top of the same evaluation.
func EvaluateAlert(source, web status.Status) AlertRule {
	source = source.OrDefault()
	web = web.OrDefault()

	switch {
	case source == status.LabelCreated && web == status.Delivered:
		return RuleLabelDelivered
	case source == status.Delivered && web != status.Delivered:
		return RuleSourceDelivered
	case source == status.Returned && web != status.Returned:
		return RuleSourceReturned
	case source != web:
		return RuleMismatch
	default:
		return RuleNone
	}
}

// ComputeAlert reports whether source and web disagree in a way that needs
// attention.
func ComputeAlert(source, web status.Status) bool {
	return EvaluateAlert(source, web).Alert()
}

// ShouldUpdateFrequently reports whether a record in the given source state
// moves fast enough to be worth re-checking on every run.
func ShouldUpdateFrequently(source status.Status) bool {
	switch source.OrDefault() {
	case status.InTransit, status.OutForDelivery, status.AtDestinationHub,
		status.DeliveryAttempt:
		return true
	default:
		return false
	}
}

// Priority ranks a record for querying: 1 is the most urgent, 5 the least.
//
//	1  an alert where either side reports a delivery
//	2  terminal
//	3  source state moves fast (ShouldUpdateFrequently)
//	4  queryable
//	5  everything else
func Priority(source, web status.Status) int {
	source, web = source.OrDefault(), web.OrDefault()
	switch {
	case ComputeAlert(source, web) && (source == status.Delivered || web == status.Delivered):
		return 1
	case IsTerminal(source, web):
		return 2
	case ShouldUpdateFrequently(source):
		return 3
	case CanQuery(source):
		return 4
	default:
		return 5
	}
}
