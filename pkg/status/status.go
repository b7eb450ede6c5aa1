// Package status defines the canonical shipment status vocabulary and the
// normalizer that maps free-form carrier and order-system text onto it.
package status

import (
	"sort"
	"strings"
)

// Status is a canonical shipment status. Values are the wire names written to
// the spreadsheet and stored in the audit log.
type Status string

// Core statuses.
const (
	Pending      Status = "PENDIENTE"
	InTransit    Status = "EN_TRANSITO"
	Delivered    Status = "ENTREGADO"
	Returned     Status = "DEVOLUCION"
	AtAgency     Status = "EN_AGENCIA"
	LabelCreated Status = "GUIA_GENERADA"
)

// Intermediate statuses reported by the order system. They are never produced
// by the built-in heuristics but may appear in rule files and source cells.
const (
	Processing         Status = "EN_PROCESAMIENTO"
	AtCarrierWarehouse Status = "EN_BODEGA_TRANSPORTADORA"
	AtDestinationHub   Status = "EN_BODEGA_DESTINO"
	OutForDelivery     Status = "EN_REPARTO"
	DeliveryAttempt    Status = "INTENTO_DE_ENTREGA"
	Incident           Status = "NOVEDAD"
	Reshipped          Status = "REEXPEDICION"
	Resent             Status = "REENVIO"
)

var canonical = map[Status]struct{}{
	Pending:            {},
	InTransit:          {},
	Delivered:          {},
	Returned:           {},
	AtAgency:           {},
	LabelCreated:       {},
	Processing:         {},
	AtCarrierWarehouse: {},
	AtDestinationHub:   {},
	OutForDelivery:     {},
	DeliveryAttempt:    {},
	Incident:           {},
	Reshipped:          {},
	Resent:             {},
}

// aliases maps legacy names onto their canonical form.
var aliases = map[string]Status{
	"DEVUELTO": Returned,
}

// Parse converts an exact status name (case-insensitive, surrounding space
// ignored) into a Status. Aliases are resolved. It does not do any fuzzy
// matching; use a Normalizer for free-form text.
func Parse(s string) (Status, bool) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "" {
		return "", false
	}
	if st, ok := aliases[name]; ok {
		return st, true
	}
	st := Status(name)
	if _, ok := canonical[st]; ok {
		return st, true
	}
	return "", false
}

// IsCanonical reports whether s is one of the canonical statuses.
func (s Status) IsCanonical() bool {
	_, ok := canonical[s]
	return ok
}

// OrDefault returns s, or Pending when s is empty.
func (s Status) OrDefault() Status {
	if s == "" {
		return Pending
	}
	return s
}

func (s Status) String() string {
	return string(s)
}

// All returns every canonical status sorted by name.
func All() []Status {
	out := make([]Status, 0, len(canonical))
	for st := range canonical {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Via identifies which tier of the normalizer produced a status.
type Via string

const (
	ViaOverride  Via = "override"
	ViaMapping   Via = "mapping"
	ViaHeuristic Via = "heuristic"
	ViaFallback  Via = "fallback"
)

// Curated reports whether v came from an explicitly maintained phrase list
// (overrides or rule files) rather than the built-in guesses.
func (v Via) Curated() bool {
	return v == ViaOverride || v == ViaMapping
}
