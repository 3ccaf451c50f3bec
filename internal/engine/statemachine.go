package engine

import "fmt"

// Decision is the result of a transition check. When Allowed is false, Reason
// distinguishes a missing edge from an edge the actor's role may not take.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// transitionTable is the complete worksheet transition graph. An edge absent
// from this table is illegal for every role, including a transition to the
// current status. Keep in sync with the CHECK constraint on worksheets.status.
var transitionTable = map[Status]map[Status][]Role{
	StatusDraft: {
		StatusInProduction: {RoleAdmin, RoleTechnician},
		StatusCancelled:    {RoleAdmin, RoleTechnician},
		StatusVoided:       {RoleAdmin},
	},
	StatusInProduction: {
		StatusQCPending: {RoleAdmin, RoleTechnician},
		StatusCancelled: {RoleAdmin, RoleTechnician},
		StatusVoided:    {RoleAdmin},
	},
	StatusQCPending: {
		StatusQCApproved: {RoleAdmin, RoleQCInspector, RoleTechnician},
		StatusQCRejected: {RoleAdmin, RoleQCInspector, RoleTechnician},
		StatusCancelled:  {RoleAdmin, RoleTechnician},
		StatusVoided:     {RoleAdmin},
	},
	StatusQCApproved: {
		// Delivery is driven by invoice finalization or the
		// no-invoice-required rule, never directly by a user.
		StatusDelivered: {RoleSystem},
		StatusCancelled: {RoleAdmin, RoleTechnician},
		StatusVoided:    {RoleAdmin},
	},
	StatusQCRejected: {
		StatusInProduction: {RoleAdmin, RoleTechnician},
		StatusCancelled:    {RoleAdmin, RoleTechnician},
		StatusVoided:       {RoleAdmin},
	},
	StatusDelivered: {
		StatusVoided: {RoleAdmin},
	},
	StatusCancelled: {
		StatusVoided: {RoleAdmin},
	},
	StatusVoided: {},
}

// CanTransition reports whether the given role may move a worksheet from one
// status to another. Pure function: no I/O, no side effects. A rejected
// request carries a reason distinguishing "no such edge" from "edge exists
// but role lacks permission".
func CanTransition(from, to Status, role Role) Decision {
	roles, ok := transitionTable[from][to]
	if !ok {
		return Decision{false, fmt.Sprintf("no transition from %s to %s", from, to)}
	}
	for _, r := range roles {
		if r == role {
			return Decision{Allowed: true}
		}
	}
	return Decision{false, fmt.Sprintf("role %s may not transition %s to %s", role, from, to)}
}
