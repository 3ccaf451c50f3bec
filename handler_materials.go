package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"denlab/internal/engine"
	"denlab/internal/validation"
)

func handleListMaterials(w http.ResponseWriter, r *http.Request) {
	rows, err := db.Query(`SELECT id, code, name, unit, ce_marked, COALESCE(biocompat_class,''),
		COALESCE(notes,''), created_at FROM materials ORDER BY code`)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []Material
	for rows.Next() {
		var m Material
		rows.Scan(&m.ID, &m.Code, &m.Name, &m.Unit, &m.CEMarked, &m.BiocompatClass, &m.Notes, &m.CreatedAt)
		items = append(items, m)
	}
	if items == nil {
		items = []Material{}
	}
	jsonResp(w, items)
}

func handleGetMaterial(w http.ResponseWriter, r *http.Request, id string) {
	var m Material
	err := db.QueryRow(`SELECT id, code, name, unit, ce_marked, COALESCE(biocompat_class,''),
		COALESCE(notes,''), created_at FROM materials WHERE id = ?`, id).
		Scan(&m.ID, &m.Code, &m.Name, &m.Unit, &m.CEMarked, &m.BiocompatClass, &m.Notes, &m.CreatedAt)
	if err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	jsonResp(w, m)
}

func handleCreateMaterial(w http.ResponseWriter, r *http.Request) {
	var m Material
	if err := decodeBody(r, &m); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}

	ve := &ValidationErrors{}
	validation.RequireField(ve, "code", m.Code)
	validation.RequireField(ve, "name", m.Name)
	validation.ValidateMaxLength(ve, "code", m.Code, 50)
	validation.ValidateMaxLength(ve, "name", m.Name, 200)
	if m.Unit != "" {
		validation.ValidateEnum(ve, "unit", m.Unit, validation.ValidMaterialUnits)
	}
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}
	if m.Unit == "" {
		m.Unit = "g"
	}

	tx, err := db.Begin()
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer tx.Rollback()
	m.ID, err = nextID(tx, "MAT", 4)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if _, err := tx.Exec(`INSERT INTO materials (id, code, name, unit, ce_marked, biocompat_class, notes)
		VALUES (?,?,?,?,?,?,?)`, m.ID, m.Code, m.Name, m.Unit, m.CEMarked, m.BiocompatClass, m.Notes); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionCreate,
		EntityType: "material", EntityID: m.ID,
		Summary: "Created material " + m.Code, After: m,
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	wsHub.BroadcastChange("material", m.ID, "created")
	jsonResp(w, m)
}

// handleReceiveLot records a stock arrival: one new lot, available quantity
// equal to received.
func handleReceiveLot(w http.ResponseWriter, r *http.Request, materialID string) {
	var lot MaterialLot
	if err := decodeBody(r, &lot); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	lot.MaterialID = materialID

	ve := &ValidationErrors{}
	validation.RequireField(ve, "lot_number", lot.LotNumber)
	validation.ValidateMaxLength(ve, "lot_number", lot.LotNumber, 100)
	validation.ValidatePositiveQuantity(ve, "quantity_received", lot.QuantityReceived)
	validation.ValidateDate(ve, "arrival_date", lot.ArrivalDate)
	if lot.ExpiryDate != nil {
		validation.ValidateDate(ve, "expiry_date", *lot.ExpiryDate)
	}
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}

	var exists int
	if err := db.QueryRow(`SELECT COUNT(*) FROM materials WHERE id = ?`, materialID).Scan(&exists); err != nil || exists == 0 {
		jsonErr(w, "material not found", 404)
		return
	}

	id, err := nextID(db, "LOT", 4)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	lot.ID = id
	if err := engine.ReceiveLot(db, &lot, getUsername(r)); err != nil {
		jsonErr(w, err.Error(), 400)
		return
	}
	wsHub.BroadcastChange("material_lot", lot.ID, "received")
	jsonResp(w, lot)
}

// handleLotLedger returns every lot of a material in allocation order: the
// inventory and expiry read path.
func handleLotLedger(w http.ResponseWriter, r *http.Request, materialID string) {
	lots, err := engine.LotLedger(db, materialID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if lots == nil {
		lots = []MaterialLot{}
	}
	jsonResp(w, lots)
}

// handleAllocationPreview answers "can this quantity be produced today?"
// without reserving anything.
func handleAllocationPreview(w http.ResponseWriter, r *http.Request, materialID string) {
	qtyStr := r.URL.Query().Get("qty")
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		jsonErr(w, "qty must be a decimal quantity", 400)
		return
	}
	plan, err := engine.Propose(db, materialID, qty, time.Now())
	if err != nil {
		var insufficient *engine.InsufficientStockError
		if errors.As(err, &insufficient) {
			jsonErr(w, insufficient.Error(), 409)
			return
		}
		jsonErr(w, err.Error(), 400)
		return
	}
	jsonResp(w, plan)
}

func handleRecallLot(w http.ResponseWriter, r *http.Request, lotID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	if err := engine.RecallLot(db, lotID, req.Reason, getUsername(r)); err != nil {
		jsonErr(w, err.Error(), 400)
		return
	}
	wsHub.BroadcastChange("material_lot", lotID, "recalled")
	jsonResp(w, map[string]string{"status": "ok"})
}

func handleAdjustLot(w http.ResponseWriter, r *http.Request, lotID string) {
	var req struct {
		Delta  decimal.Decimal `json:"delta"`
		Reason string          `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	if err := engine.AdjustLot(db, lotID, req.Delta, req.Reason, getUsername(r)); err != nil {
		jsonErr(w, err.Error(), 400)
		return
	}
	wsHub.BroadcastChange("material_lot", lotID, "corrected")
	jsonResp(w, map[string]string{"status": "ok"})
}

// handleLotUsage lists every worksheet that consumed from a lot: the
// lot -> devices direction of MDR traceability (recall impact analysis).
func handleLotUsage(w http.ResponseWriter, r *http.Request, lotID string) {
	rows, err := db.Query(`SELECT c.id, c.worksheet_id, c.lot_id, l.lot_number, l.material_id, c.quantity_used, c.created_at
		FROM worksheet_consumptions c
		JOIN material_lots l ON l.id = c.lot_id
		WHERE c.lot_id = ? ORDER BY c.created_at`, lotID)
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

// handleExpiringLots reports AVAILABLE lots expiring within the given window
// (default 30 days).
func handleExpiringLots(w http.ResponseWriter, r *http.Request) {
	days := 30
	if d := r.URL.Query().Get("days"); d != "" {
		ve := &ValidationErrors{}
		validation.ValidateIntRange(ve, "days", atoiDefault(d, -1), 1, 3650)
		if ve.HasErrors() {
			jsonErr(w, ve.Error(), 400)
			return
		}
		days = atoiDefault(d, 30)
	}
	cutoff := time.Now().AddDate(0, 0, days).Format("2006-01-02")
	rows, err := db.Query(`SELECT id, material_id, lot_number, COALESCE(supplier,''), arrival_date, expiry_date,
		quantity_received, quantity_available, status, created_at, updated_at
		FROM material_lots
		WHERE status = 'AVAILABLE' AND expiry_date IS NOT NULL AND expiry_date <= ?
		ORDER BY expiry_date`, cutoff)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []MaterialLot
	for rows.Next() {
		var l MaterialLot
		var expiry string
		rows.Scan(&l.ID, &l.MaterialID, &l.LotNumber, &l.Supplier, &l.ArrivalDate, &expiry,
			&l.QuantityReceived, &l.QuantityAvailable, &l.Status, &l.CreatedAt, &l.UpdatedAt)
		l.ExpiryDate = &expiry
		items = append(items, l)
	}
	if items == nil {
		items = []MaterialLot{}
	}
	jsonResp(w, items)
}
