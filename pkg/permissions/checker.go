// Package permissions checks requester permission sets against the
// permission an operation requires.
//
// Permission format:
//   - "*" grants everything
//   - "outbound.*" grants every outbound action
//   - "outbound.allocations.confirm" grants one action
package permissions

import (
	"strings"
)

// Permissions required by the outbound operations
const (
	AllocationsRead    = "outbound.allocations.read"
	AllocationsCreate  = "outbound.allocations.create"
	AllocationsConfirm = "outbound.allocations.confirm"
	AllocationsCancel  = "outbound.allocations.cancel"
	FulfillmentsCreate = "outbound.fulfillments.create"
	FulfillmentsUpdate = "outbound.fulfillments.update"
	OrdersCancel       = "outbound.orders.cancel"
	LedgerRead         = "inventory.ledger.read"
	LedgerVerify       = "inventory.ledger.verify"
	LotsReceive        = "inventory.lots.receive"
	LotsAdjust         = "inventory.lots.adjust"
)

// Known lists every permission the service checks
var Known = []string{
	AllocationsRead,
	AllocationsCreate,
	AllocationsConfirm,
	AllocationsCancel,
	FulfillmentsCreate,
	FulfillmentsUpdate,
	OrdersCancel,
	LedgerRead,
	LedgerVerify,
	LotsReceive,
	LotsAdjust,
}

// HasPermission reports whether granted covers required. A grant ending in
// ".*" covers every permission below that prefix.
func HasPermission(granted []string, required string) bool {
	if required == "" {
		return true
	}

	for _, p := range granted {
		switch {
		case p == "*", p == required:
			return true
		case strings.HasSuffix(p, ".*"):
			if strings.HasPrefix(required, strings.TrimSuffix(p, "*")) {
				return true
			}
		}
	}
	return false
}

// HasAnyPermission reports whether granted covers at least one of required
func HasAnyPermission(granted []string, required ...string) bool {
	for _, r := range required {
		if HasPermission(granted, r) {
			return true
		}
	}
	return false
}

// Merge combines permission sets without duplicates, keeping first-seen order.
func Merge(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, p := range set {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
