package models

import "github.com/shopspring/decimal"

// APIResponse is the standard envelope for all API responses.
type APIResponse struct {
	Data  interface{} `json:"data,omitempty"`
	Meta  *Meta       `json:"meta,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Meta carries pagination metadata.
type Meta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Dentist is a clinic contact that places orders.
type Dentist struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Clinic    string `json:"clinic"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Order is a request from a clinic for one custom-made device.
type Order struct {
	ID         string `json:"id"`
	DentistID  string `json:"dentist_id"`
	PatientRef string `json:"patient_ref"`
	DeviceType string `json:"device_type"`
	Shade      string `json:"shade"`
	DueDate    string `json:"due_date"`
	Status     string `json:"status"`
	Notes      string `json:"notes"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Material is a catalog entry for a raw material. Identity is immutable;
// stock lives in lots.
type Material struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Unit           string `json:"unit"`
	CEMarked       bool   `json:"ce_marked"`
	BiocompatClass string `json:"biocompat_class"`
	Notes          string `json:"notes"`
	CreatedAt      string `json:"created_at"`
}

// MaterialLot is one physical batch of a material. Never deleted; recalls and
// expiry are status changes so the regulatory record stays intact.
type MaterialLot struct {
	ID                string          `json:"id"`
	MaterialID        string          `json:"material_id"`
	LotNumber         string          `json:"lot_number"`
	Supplier          string          `json:"supplier"`
	ArrivalDate       string          `json:"arrival_date"`
	ExpiryDate        *string         `json:"expiry_date"`
	QuantityReceived  decimal.Decimal `json:"quantity_received"`
	QuantityAvailable decimal.Decimal `json:"quantity_available"`
	Status            string          `json:"status"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

// LotCorrection is an explicit adjustment to a lot's available quantity
// (stocktake variance, spillage, recall write-off). Delta is the signed
// change applied to quantity_available.
type LotCorrection struct {
	ID        int             `json:"id"`
	LotID     string          `json:"lot_id"`
	Delta     decimal.Decimal `json:"delta"`
	Reason    string          `json:"reason"`
	Actor     string          `json:"actor"`
	CreatedAt string          `json:"created_at"`
}

// Worksheet is the production record for one device order. At most one
// non-VOIDED worksheet exists per order; voiding permits a new revision.
type Worksheet struct {
	ID                string `json:"id"`
	OrderID           string `json:"order_id"`
	Revision          int    `json:"revision"`
	Status            string `json:"status"`
	DeviceDescription string `json:"device_description"`
	RejectionNotes    string `json:"rejection_notes"`
	CreatedBy         string `json:"created_by"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// WorksheetRequirement is the quantity of one material a worksheet needs to
// enter production.
type WorksheetRequirement struct {
	ID           int             `json:"id"`
	WorksheetID  string          `json:"worksheet_id"`
	MaterialID   string          `json:"material_id"`
	MaterialCode string          `json:"material_code,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// MaterialConsumption is one immutable allocation record tying a worksheet to
// the exact lot and quantity physically used. Reversals are new correction
// rows, never edits.
type MaterialConsumption struct {
	ID           int             `json:"id"`
	WorksheetID  string          `json:"worksheet_id"`
	LotID        string          `json:"lot_id"`
	LotNumber    string          `json:"lot_number,omitempty"`
	MaterialID   string          `json:"material_id,omitempty"`
	QuantityUsed decimal.Decimal `json:"quantity_used"`
	CreatedAt    string          `json:"created_at"`
}

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID          int    `json:"id"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Summary     string `json:"summary"`
	BeforeValue string `json:"before_value,omitempty"`
	AfterValue  string `json:"after_value,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ComplianceRequest is one queued Annex XIII document generation request.
type ComplianceRequest struct {
	ID          int    `json:"id"`
	WorksheetID string `json:"worksheet_id"`
	Locale      string `json:"locale"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Invoice bills a dentist for completed work.
type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	OrderID       string          `json:"order_id"`
	DentistID     string          `json:"dentist_id"`
	Status        string          `json:"status"`
	Total         decimal.Decimal `json:"total"`
	IssueDate     string          `json:"issue_date"`
	DueDate       string          `json:"due_date"`
	Notes         string          `json:"notes"`
	FinalizedAt   *string         `json:"finalized_at"`
	CreatedAt     string          `json:"created_at"`
}

// InvoiceLine is one billed position on an invoice.
type InvoiceLine struct {
	ID          int             `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

// User is an authenticated account. The engine itself only ever sees the
// (username, role) pair.
type User struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}
