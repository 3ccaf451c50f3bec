package main

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"denlab/internal/engine"
	"denlab/internal/validation"
)

const worksheetSelect = `SELECT id, order_id, revision, status, COALESCE(device_description,''),
	COALESCE(rejection_notes,''), COALESCE(created_by,''), created_at, updated_at FROM worksheets`

func scanWorksheet(s interface{ Scan(...interface{}) error }, ws *Worksheet) error {
	return s.Scan(&ws.ID, &ws.OrderID, &ws.Revision, &ws.Status, &ws.DeviceDescription,
		&ws.RejectionNotes, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt)
}

func handleListWorksheets(w http.ResponseWriter, r *http.Request) {
	query := worksheetSelect
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
	var items []Worksheet
	for rows.Next() {
		var ws Worksheet
		scanWorksheet(rows, &ws)
		items = append(items, ws)
	}
	if items == nil {
		items = []Worksheet{}
	}
	jsonResp(w, items)
}

func handleGetWorksheet(w http.ResponseWriter, r *http.Request, id string) {
	var ws Worksheet
	if err := scanWorksheet(db.QueryRow(worksheetSelect+" WHERE id = ?", id), &ws); err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	jsonResp(w, ws)
}

// handleCreateWorksheet starts production work on an order. At most one
// non-VOIDED worksheet exists per order at any time; a voided worksheet
// permits exactly one replacement at the next revision number.
func handleCreateWorksheet(w http.ResponseWriter, r *http.Request) {
	var ws Worksheet
	if err := decodeBody(r, &ws); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}

	ve := &ValidationErrors{}
	validation.RequireField(ve, "order_id", ws.OrderID)
	validation.ValidateMaxLength(ve, "device_description", ws.DeviceDescription, validation.MaxStringLength)
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

	var orderStatus string
	if err := tx.QueryRow(`SELECT status FROM orders WHERE id = ?`, ws.OrderID).Scan(&orderStatus); err != nil {
		jsonErr(w, "order not found", 404)
		return
	}
	if orderStatus == "cancelled" {
		jsonErr(w, "order is cancelled", 409)
		return
	}

	// The uniqueness check and the insert share the transaction, so two
	// concurrent creations for the same order serialize.
	var live int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM worksheets WHERE order_id = ? AND status != 'VOIDED'`, ws.OrderID).Scan(&live); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if live > 0 {
		jsonErr(w, "order already has an active worksheet; void it to start a revision", 409)
		return
	}
	var maxRev int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(revision), 0) FROM worksheets WHERE order_id = ?`, ws.OrderID).Scan(&maxRev); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}

	ws.ID, err = nextID(tx, "WS", 4)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	ws.Revision = maxRev + 1
	ws.Status = string(engine.StatusDraft)
	ws.CreatedBy = getUsername(r)

	if _, err := tx.Exec(`INSERT INTO worksheets (id, order_id, revision, status, device_description, created_by)
		VALUES (?,?,?,?,?,?)`,
		ws.ID, ws.OrderID, ws.Revision, ws.Status, ws.DeviceDescription, ws.CreatedBy); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if _, err := tx.Exec(`UPDATE orders SET status = 'in_progress', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, ws.OrderID); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: ws.CreatedBy, Action: engine.ActionCreate,
		EntityType: "worksheet", EntityID: ws.ID,
		Summary: "Created worksheet " + ws.ID + " rev " + itoa(ws.Revision) + " for order " + ws.OrderID,
		After:   ws,
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	wsHub.BroadcastChange("worksheet", ws.ID, "created")
	handleGetWorksheet(w, r, ws.ID)
}

// handleSetRequirements replaces the material requirements of a DRAFT
// worksheet. Once production starts the requirements are frozen: the
// consumption records are the authoritative trace from then on.
func handleSetRequirements(w http.ResponseWriter, r *http.Request, worksheetID string) {
	var reqs []struct {
		MaterialID string          `json:"material_id"`
		Quantity   decimal.Decimal `json:"quantity"`
	}
	if err := decodeBody(r, &reqs); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	ve := &ValidationErrors{}
	seen := map[string]bool{}
	for _, req := range reqs {
		validation.RequireField(ve, "material_id", req.MaterialID)
		validation.ValidatePositiveQuantity(ve, "quantity", req.Quantity)
		if seen[req.MaterialID] {
			ve.Add("material_id", "duplicate material "+req.MaterialID)
		}
		seen[req.MaterialID] = true
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

	var status string
	if err := tx.QueryRow(`SELECT status FROM worksheets WHERE id = ?`, worksheetID).Scan(&status); err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	if status != string(engine.StatusDraft) {
		jsonErr(w, "requirements can only be edited while the worksheet is DRAFT", 409)
		return
	}

	if _, err := tx.Exec(`DELETE FROM worksheet_requirements WHERE worksheet_id = ?`, worksheetID); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	for _, req := range reqs {
		if _, err := tx.Exec(`INSERT INTO worksheet_requirements (worksheet_id, material_id, quantity) VALUES (?,?,?)`,
			worksheetID, req.MaterialID, req.Quantity); err != nil {
			jsonErr(w, "material "+req.MaterialID+": "+err.Error(), 400)
			return
		}
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "worksheet", EntityID: worksheetID,
		Summary: "Set material requirements", After: reqs,
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	handleListRequirements(w, r, worksheetID)
}

func handleListRequirements(w http.ResponseWriter, r *http.Request, worksheetID string) {
	rows, err := db.Query(`SELECT wr.id, wr.worksheet_id, wr.material_id, m.code, wr.quantity
		FROM worksheet_requirements wr JOIN materials m ON m.id = wr.material_id
		WHERE wr.worksheet_id = ? ORDER BY wr.id`, worksheetID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []WorksheetRequirement
	for rows.Next() {
		var req WorksheetRequirement
		rows.Scan(&req.ID, &req.WorksheetID, &req.MaterialID, &req.MaterialCode, &req.Quantity)
		items = append(items, req)
	}
	if items == nil {
		items = []WorksheetRequirement{}
	}
	jsonResp(w, items)
}

// handleTransitionWorksheet is the single entry point for every status
// change. The orchestrator owns validation, allocation, audit, and order
// reflection; this handler only maps errors to HTTP codes.
func handleTransitionWorksheet(w http.ResponseWriter, r *http.Request, worksheetID string) {
	var req struct {
		Target string `json:"target"`
		Notes  string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}

	ws, err := orchestrator.Transition(engine.TransitionRequest{
		WorksheetID: worksheetID,
		Target:      engine.Status(req.Target),
		Actor:       getUsername(r),
		Role:        actorRole(r),
		Notes:       req.Notes,
	})
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	jsonResp(w, ws)
}

// writeTransitionError maps the engine's error taxonomy onto HTTP codes.
func writeTransitionError(w http.ResponseWriter, err error) {
	var invalid *engine.InvalidTransitionError
	var insufficient *engine.InsufficientStockError
	var stale *engine.StaleLotError
	var conflict *engine.ConcurrentModificationError
	switch {
	case errors.Is(err, engine.ErrWorksheetNotFound):
		jsonErr(w, "not found", 404)
	case errors.Is(err, engine.ErrNotesRequired):
		jsonErr(w, err.Error(), 400)
	case errors.As(err, &invalid):
		jsonErr(w, invalid.Error(), 403)
	case errors.As(err, &insufficient):
		jsonErr(w, insufficient.Error(), 409)
	case errors.As(err, &stale):
		jsonErr(w, stale.Error(), 409)
	case errors.As(err, &conflict):
		jsonErr(w, conflict.Error(), 409)
	default:
		jsonErr(w, "internal error: "+err.Error(), 500)
	}
}

// handleWorksheetConsumptions lists the exact lots and quantities a worksheet
// consumed: the device -> lots direction of MDR traceability.
func handleWorksheetConsumptions(w http.ResponseWriter, r *http.Request, worksheetID string) {
	rows, err := db.Query(`SELECT c.id, c.worksheet_id, c.lot_id, l.lot_number, l.material_id, c.quantity_used, c.created_at
		FROM worksheet_consumptions c
		JOIN material_lots l ON l.id = c.lot_id
		WHERE c.worksheet_id = ? ORDER BY c.id`, worksheetID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []MaterialConsumption
	for rows.Next() {
		var c MaterialConsumption
		rows.Scan(&c.ID, &c.WorksheetID, &c.LotID, &c.LotNumber, &c.MaterialID, &c.QuantityUsed, &c.CreatedAt)
		items = append(items, c)
	}
	if items == nil {
		items = []MaterialConsumption{}
	}
	jsonResp(w, items)
}

// handleWorksheetPreview runs the allocator's propose step for every
// requirement without consuming anything.
func handleWorksheetPreview(w http.ResponseWriter, r *http.Request, worksheetID string) {
	plans, err := orchestrator.Preview(worksheetID)
	if err != nil {
		var insufficient *engine.InsufficientStockError
		if errors.As(err, &insufficient) {
			jsonErr(w, insufficient.Error(), 409)
			return
		}
		jsonErr(w, err.Error(), 500)
		return
	}
	jsonResp(w, plans)
}
