package engine

// Status is the worksheet lifecycle state. Values are stored verbatim in the
// worksheets.status column and MUST match its CHECK constraint.
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusInProduction Status = "IN_PRODUCTION"
	StatusQCPending    Status = "QC_PENDING"
	StatusQCApproved   Status = "QC_APPROVED"
	StatusQCRejected   Status = "QC_REJECTED"
	StatusDelivered    Status = "DELIVERED"
	StatusCancelled    Status = "CANCELLED"
	StatusVoided       Status = "VOIDED"
)

// AllStatuses lists every worksheet status.
var AllStatuses = []Status{
	StatusDraft, StatusInProduction, StatusQCPending, StatusQCApproved,
	StatusQCRejected, StatusDelivered, StatusCancelled, StatusVoided,
}

// Valid reports whether s is a known worksheet status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Role is the actor role presented with a transition request. RoleSystem is a
// pseudo-role used by internal callers (invoice finalization, the
// no-invoice-required rule); it is never assigned to a user account.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleTechnician  Role = "technician"
	RoleQCInspector Role = "qc_inspector"
	RoleReception   Role = "reception"
	RoleSystem      Role = "system"
)

// AllRoles lists every role, including the system pseudo-role.
var AllRoles = []Role{RoleAdmin, RoleTechnician, RoleQCInspector, RoleReception, RoleSystem}

// Material lot states. A lot is never deleted; RECALLED and EXPIRED lots keep
// their remaining quantity for the regulatory record but are excluded from
// allocation.
const (
	LotAvailable = "AVAILABLE"
	LotDepleted  = "DEPLETED"
	LotExpired   = "EXPIRED"
	LotRecalled  = "RECALLED"
)
