package main

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"denlab/internal/engine"
	"denlab/internal/validation"
)

const invoiceSelect = `SELECT id, invoice_number, order_id, dentist_id, status, total,
	COALESCE(issue_date,''), COALESCE(due_date,''), COALESCE(notes,''), finalized_at, created_at FROM invoices`

func scanInvoice(s interface{ Scan(...interface{}) error }, inv *Invoice) error {
	return s.Scan(&inv.ID, &inv.InvoiceNumber, &inv.OrderID, &inv.DentistID, &inv.Status,
		&inv.Total, &inv.IssueDate, &inv.DueDate, &inv.Notes, &inv.FinalizedAt, &inv.CreatedAt)
}

func handleListInvoices(w http.ResponseWriter, r *http.Request) {
	query := invoiceSelect
	var args []interface{}
	if status := r.URL.Query().Get("status"); status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	rows, err := db.Query(query, args...)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []Invoice
	for rows.Next() {
		var inv Invoice
		scanInvoice(rows, &inv)
		items = append(items, inv)
	}
	if items == nil {
		items = []Invoice{}
	}
	jsonResp(w, items)
}

func handleGetInvoice(w http.ResponseWriter, r *http.Request, id string) {
	var inv Invoice
	if err := scanInvoice(db.QueryRow(invoiceSelect+" WHERE id = ?", id), &inv); err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	jsonResp(w, inv)
}

func handleListInvoiceLines(w http.ResponseWriter, r *http.Request, invoiceID string) {
	rows, err := db.Query(`SELECT id, invoice_id, description, quantity, unit_price, total
		FROM invoice_lines WHERE invoice_id = ? ORDER BY id`, invoiceID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []InvoiceLine
	for rows.Next() {
		var line InvoiceLine
		rows.Scan(&line.ID, &line.InvoiceID, &line.Description, &line.Quantity, &line.UnitPrice, &line.Total)
		items = append(items, line)
	}
	if items == nil {
		items = []InvoiceLine{}
	}
	jsonResp(w, items)
}

// handleCreateInvoice drafts an invoice for an order whose worksheet has
// passed QC. The invoice number comes from the sequences table inside the
// same transaction as the insert, so numbers are gapless under concurrency.
func handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID string `json:"order_id"`
		Notes   string `json:"notes"`
		Lines   []struct {
			Description string          `json:"description"`
			Quantity    int             `json:"quantity"`
			UnitPrice   decimal.Decimal `json:"unit_price"`
		} `json:"lines"`
	}
	if err := decodeBody(r, &body); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	ve := &ValidationErrors{}
	validation.RequireField(ve, "order_id", body.OrderID)
	if len(body.Lines) == 0 {
		ve.Add("lines", "at least one line is required")
	}
	for _, line := range body.Lines {
		validation.RequireField(ve, "description", line.Description)
		validation.ValidateIntRange(ve, "quantity", line.Quantity, 1, 10000)
		if line.UnitPrice.IsNegative() {
			ve.Add("unit_price", "must not be negative")
		}
	}
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}

	tx, err := db.Begin()
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer tx.Rollback()

	var dentistID string
	if err := tx.QueryRow(`SELECT dentist_id FROM orders WHERE id = ?`, body.OrderID).Scan(&dentistID); err != nil {
		jsonErr(w, "order not found", 404)
		return
	}
	var wsStatus string
	err = tx.QueryRow(`SELECT status FROM worksheets WHERE order_id = ? AND status != 'VOIDED'`, body.OrderID).Scan(&wsStatus)
	if err != nil || wsStatus != string(engine.StatusQCApproved) {
		jsonErr(w, "order has no QC-approved worksheet", 409)
		return
	}
	var existing int
	tx.QueryRow(`SELECT COUNT(*) FROM invoices WHERE order_id = ? AND status != 'cancelled'`, body.OrderID).Scan(&existing)
	if existing > 0 {
		jsonErr(w, "order already has an invoice", 409)
		return
	}

	id, err := nextID(tx, "INV", 5)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	now := time.Now()
	issue := now.Format("2006-01-02")
	due := now.AddDate(0, 0, labConfig.InvoiceDueDays).Format("2006-01-02")

	total := decimal.Zero
	for _, line := range body.Lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if _, err := tx.Exec(`INSERT INTO invoices (id, invoice_number, order_id, dentist_id, status, total, issue_date, due_date, notes)
		VALUES (?,?,?,?,'draft',?,?,?,?)`,
		id, id, body.OrderID, dentistID, total, issue, due, body.Notes); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	for _, line := range body.Lines {
		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		if _, err := tx.Exec(`INSERT INTO invoice_lines (invoice_id, description, quantity, unit_price, total)
			VALUES (?,?,?,?,?)`, id, line.Description, line.Quantity, line.UnitPrice, lineTotal); err != nil {
			jsonErr(w, err.Error(), 500)
			return
		}
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionCreate,
		EntityType: "invoice", EntityID: id,
		Summary: "Created draft invoice " + id + " for order " + body.OrderID,
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	wsHub.BroadcastChange("invoice", id, "created")
	handleGetInvoice(w, r, id)
}

// handleFinalizeInvoice makes a draft invoice final and delivers the order's
// worksheet. Delivery is never requested directly by a user: the engine only
// accepts QC_APPROVED -> DELIVERED from the system role, and invoice
// finalization is one of the two callers holding it.
func handleFinalizeInvoice(w http.ResponseWriter, r *http.Request, id string) {
	var inv Invoice
	if err := scanInvoice(db.QueryRow(invoiceSelect+" WHERE id = ?", id), &inv); err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	if inv.Status != "draft" {
		jsonErr(w, "only draft invoices can be finalized", 409)
		return
	}

	var worksheetID string
	if err := db.QueryRow(`SELECT id FROM worksheets WHERE order_id = ? AND status != 'VOIDED'`, inv.OrderID).Scan(&worksheetID); err != nil {
		jsonErr(w, "order has no active worksheet", 409)
		return
	}

	if _, err := orchestrator.Transition(engine.TransitionRequest{
		WorksheetID: worksheetID,
		Target:      engine.StatusDelivered,
		Actor:       getUsername(r),
		Role:        engine.RoleSystem,
		Notes:       "invoice " + inv.InvoiceNumber + " finalized",
	}); err != nil {
		writeTransitionError(w, err)
		return
	}

	tx, err := db.Begin()
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE invoices SET status = 'final', finalized_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'draft'`, id); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "invoice", EntityID: id,
		Summary: "Finalized invoice " + inv.InvoiceNumber,
		Before:  map[string]string{"status": "draft"},
		After:   map[string]string{"status": "final"},
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	wsHub.BroadcastChange("invoice", id, "finalized")
	handleGetInvoice(w, r, id)
}

func handleMarkInvoicePaid(w http.ResponseWriter, r *http.Request, id string) {
	res, err := db.Exec(`UPDATE invoices SET status = 'paid' WHERE id = ? AND status = 'final'`, id)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if n, _ := res.RowsAffected(); n != 1 {
		jsonErr(w, "only final invoices can be marked paid", 409)
		return
	}
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "invoice", EntityID: id, Summary: "Marked invoice paid",
	})
	wsHub.BroadcastChange("invoice", id, "paid")
	handleGetInvoice(w, r, id)
}

func handleCancelInvoice(w http.ResponseWriter, r *http.Request, id string) {
	res, err := db.Exec(`UPDATE invoices SET status = 'cancelled' WHERE id = ? AND status = 'draft'`, id)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if n, _ := res.RowsAffected(); n != 1 {
		jsonErr(w, "only draft invoices can be cancelled", 409)
		return
	}
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "invoice", EntityID: id, Summary: "Cancelled invoice",
	})
	wsHub.BroadcastChange("invoice", id, "cancelled")
	handleGetInvoice(w, r, id)
}

// handleDeliverWithoutInvoice covers warranty rework and internal orders that
// skip billing. Same system-role delivery path as invoice finalization.
func handleDeliverWithoutInvoice(w http.ResponseWriter, r *http.Request, worksheetID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	if body.Reason == "" {
		jsonErr(w, "reason is required when delivering without an invoice", 400)
		return
	}
	ws, err := orchestrator.Transition(engine.TransitionRequest{
		WorksheetID: worksheetID,
		Target:      engine.StatusDelivered,
		Actor:       getUsername(r),
		Role:        engine.RoleSystem,
		Notes:       "delivered without invoice: " + body.Reason,
	})
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	jsonResp(w, ws)
}
