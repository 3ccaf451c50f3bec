package validation

// Common enum values - these MUST match DB CHECK constraints in the schema.
var (
	ValidWorksheetStatuses = []string{"DRAFT", "IN_PRODUCTION", "QC_PENDING", "QC_APPROVED", "QC_REJECTED", "DELIVERED", "CANCELLED", "VOIDED"}
	ValidLotStatuses       = []string{"AVAILABLE", "DEPLETED", "EXPIRED", "RECALLED"}
	ValidOrderStatuses     = []string{"pending", "in_progress", "completed", "cancelled"}
	ValidInvoiceStatuses   = []string{"draft", "final", "paid", "cancelled"}
	ValidDentistStatuses   = []string{"active", "inactive"}
	ValidUserRoles         = []string{"admin", "technician", "qc_inspector", "reception"}
	ValidMaterialUnits     = []string{"g", "ml", "pcs"}
	ValidDeviceTypes       = []string{"crown", "bridge", "inlay", "onlay", "veneer", "denture", "partial_denture", "splint", "implant_abutment", "other"}
	ValidComplianceStates  = []string{"pending", "sent", "failed"}
)
