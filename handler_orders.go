package main

import (
	"net/http"

	"denlab/internal/engine"
	"denlab/internal/validation"
)

const orderSelect = `SELECT id, dentist_id, COALESCE(patient_ref,''), device_type, COALESCE(shade,''),
	COALESCE(due_date,''), status, COALESCE(notes,''), COALESCE(created_by,''), created_at, updated_at FROM orders`

func scanOrder(s interface{ Scan(...interface{}) error }, o *Order) error {
	return s.Scan(&o.ID, &o.DentistID, &o.PatientRef, &o.DeviceType, &o.Shade,
		&o.DueDate, &o.Status, &o.Notes, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
}

func handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := orderSelect
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
	var items []Order
	for rows.Next() {
		var o Order
		scanOrder(rows, &o)
		items = append(items, o)
	}
	if items == nil {
		items = []Order{}
	}
	jsonResp(w, items)
}

func handleGetOrder(w http.ResponseWriter, r *http.Request, id string) {
	var o Order
	if err := scanOrder(db.QueryRow(orderSelect+" WHERE id = ?", id), &o); err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	jsonResp(w, o)
}

func handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var o Order
	if err := decodeBody(r, &o); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}

	ve := &ValidationErrors{}
	validation.RequireField(ve, "dentist_id", o.DentistID)
	validation.RequireField(ve, "patient_ref", o.PatientRef)
	validation.ValidateMaxLength(ve, "patient_ref", o.PatientRef, 100)
	validation.ValidateMaxLength(ve, "notes", o.Notes, validation.MaxStringLength)
	if o.DeviceType != "" {
		validation.ValidateEnum(ve, "device_type", o.DeviceType, validation.ValidDeviceTypes)
	}
	validation.ValidateDate(ve, "due_date", o.DueDate)
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}

	var dentistStatus string
	if err := db.QueryRow(`SELECT status FROM dentists WHERE id = ?`, o.DentistID).Scan(&dentistStatus); err != nil {
		jsonErr(w, "dentist not found", 400)
		return
	}
	if dentistStatus != "active" {
		jsonErr(w, "dentist is inactive", 400)
		return
	}
	if o.DeviceType == "" {
		o.DeviceType = "other"
	}
	o.Status = "pending"
	o.CreatedBy = getUsername(r)

	tx, err := db.Begin()
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer tx.Rollback()
	o.ID, err = nextID(tx, "ORD", 4)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if _, err := tx.Exec(`INSERT INTO orders (id, dentist_id, patient_ref, device_type, shade, due_date, status, notes, created_by)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, o.DentistID, o.PatientRef, o.DeviceType, o.Shade, o.DueDate, o.Status, o.Notes, o.CreatedBy); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: o.CreatedBy, Action: engine.ActionCreate,
		EntityType: "order", EntityID: o.ID,
		Summary: "Created order " + o.ID + " (" + o.DeviceType + ")", After: o,
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	wsHub.BroadcastChange("order", o.ID, "created")
	handleGetOrder(w, r, o.ID)
}

// handleUpdateOrder edits clinic-facing fields. Order status is owned by the
// worksheet engine's reflection and is not writable here.
func handleUpdateOrder(w http.ResponseWriter, r *http.Request, id string) {
	var before Order
	if err := scanOrder(db.QueryRow(orderSelect+" WHERE id = ?", id), &before); err != nil {
		jsonErr(w, "not found", 404)
		return
	}

	var o Order
	if err := decodeBody(r, &o); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	ve := &ValidationErrors{}
	if o.DeviceType != "" {
		validation.ValidateEnum(ve, "device_type", o.DeviceType, validation.ValidDeviceTypes)
	}
	validation.ValidateDate(ve, "due_date", o.DueDate)
	validation.ValidateMaxLength(ve, "notes", o.Notes, validation.MaxStringLength)
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}
	if o.DeviceType == "" {
		o.DeviceType = before.DeviceType
	}
	if o.PatientRef == "" {
		o.PatientRef = before.PatientRef
	}

	if _, err := db.Exec(`UPDATE orders SET patient_ref=?, device_type=?, shade=?, due_date=?, notes=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		o.PatientRef, o.DeviceType, o.Shade, o.DueDate, o.Notes, id); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "order", EntityID: id,
		Summary: "Updated order " + id, Before: before,
	})
	handleGetOrder(w, r, id)
}

func handleListOrderWorksheets(w http.ResponseWriter, r *http.Request, orderID string) {
	rows, err := db.Query(`SELECT id, order_id, revision, status, COALESCE(device_description,''),
		COALESCE(rejection_notes,''), COALESCE(created_by,''), created_at, updated_at
		FROM worksheets WHERE order_id = ? ORDER BY revision`, orderID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []Worksheet
	for rows.Next() {
		var ws Worksheet
		rows.Scan(&ws.ID, &ws.OrderID, &ws.Revision, &ws.Status, &ws.DeviceDescription,
			&ws.RejectionNotes, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt)
		items = append(items, ws)
	}
	if items == nil {
		items = []Worksheet{}
	}
	jsonResp(w, items)
}
