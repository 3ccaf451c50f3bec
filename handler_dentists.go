package main

import (
	"net/http"

	"denlab/internal/engine"
	"denlab/internal/validation"
)

func handleListDentists(w http.ResponseWriter, r *http.Request) {
	rows, err := db.Query(`SELECT id, name, COALESCE(clinic,''), COALESCE(email,''), COALESCE(phone,''),
		COALESCE(address,''), status, created_at FROM dentists ORDER BY name`)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []Dentist
	for rows.Next() {
		var d Dentist
		rows.Scan(&d.ID, &d.Name, &d.Clinic, &d.Email, &d.Phone, &d.Address, &d.Status, &d.CreatedAt)
		items = append(items, d)
	}
	if items == nil {
		items = []Dentist{}
	}
	jsonResp(w, items)
}

func handleGetDentist(w http.ResponseWriter, r *http.Request, id string) {
	var d Dentist
	err := db.QueryRow(`SELECT id, name, COALESCE(clinic,''), COALESCE(email,''), COALESCE(phone,''),
		COALESCE(address,''), status, created_at FROM dentists WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.Clinic, &d.Email, &d.Phone, &d.Address, &d.Status, &d.CreatedAt)
	if err != nil {
		jsonErr(w, "not found", 404)
		return
	}
	jsonResp(w, d)
}

func handleCreateDentist(w http.ResponseWriter, r *http.Request) {
	var d Dentist
	if err := decodeBody(r, &d); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}

	ve := &ValidationErrors{}
	validation.RequireField(ve, "name", d.Name)
	validation.ValidateMaxLength(ve, "name", d.Name, 200)
	validation.ValidateEmail(ve, "email", d.Email)
	if d.Status != "" {
		validation.ValidateEnum(ve, "status", d.Status, validation.ValidDentistStatuses)
	}
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}
	if d.Status == "" {
		d.Status = "active"
	}

	tx, err := db.Begin()
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer tx.Rollback()
	d.ID, err = nextID(tx, "DEN", 4)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if _, err := tx.Exec(`INSERT INTO dentists (id, name, clinic, email, phone, address, status)
		VALUES (?,?,?,?,?,?,?)`, d.ID, d.Name, d.Clinic, d.Email, d.Phone, d.Address, d.Status); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	engine.RecordAudit(tx, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionCreate,
		EntityType: "dentist", EntityID: d.ID,
		Summary: "Created dentist " + d.Name, After: d,
	})
	if err := tx.Commit(); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	wsHub.BroadcastChange("dentist", d.ID, "created")
	jsonResp(w, d)
}

func handleUpdateDentist(w http.ResponseWriter, r *http.Request, id string) {
	var before Dentist
	err := db.QueryRow(`SELECT id, name, COALESCE(clinic,''), COALESCE(email,''), COALESCE(phone,''),
		COALESCE(address,''), status, created_at FROM dentists WHERE id = ?`, id).
		Scan(&before.ID, &before.Name, &before.Clinic, &before.Email, &before.Phone, &before.Address, &before.Status, &before.CreatedAt)
	if err != nil {
		jsonErr(w, "not found", 404)
		return
	}

	var d Dentist
	if err := decodeBody(r, &d); err != nil {
		jsonErr(w, "invalid body", 400)
		return
	}
	ve := &ValidationErrors{}
	validation.RequireField(ve, "name", d.Name)
	validation.ValidateEmail(ve, "email", d.Email)
	if d.Status != "" {
		validation.ValidateEnum(ve, "status", d.Status, validation.ValidDentistStatuses)
	}
	if ve.HasErrors() {
		jsonErr(w, ve.Error(), 400)
		return
	}
	if d.Status == "" {
		d.Status = before.Status
	}

	if _, err := db.Exec(`UPDATE dentists SET name=?, clinic=?, email=?, phone=?, address=?, status=? WHERE id=?`,
		d.Name, d.Clinic, d.Email, d.Phone, d.Address, d.Status, id); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	d.ID = id
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "dentist", EntityID: id,
		Summary: "Updated dentist " + d.Name, Before: before, After: d,
	})
	handleGetDentist(w, r, id)
}

// dentistHasActiveOrders is the single referential check guarding dentist
// deactivation: a dentist with open orders stays active.
func dentistHasActiveOrders(id string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM orders WHERE dentist_id = ? AND status IN ('pending','in_progress')`, id).Scan(&n)
	return n > 0, err
}

// handleDeactivateDentist marks a dentist inactive. Rows are never deleted;
// orders and invoices keep their references.
func handleDeactivateDentist(w http.ResponseWriter, r *http.Request, id string) {
	active, err := dentistHasActiveOrders(id)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if active {
		jsonErr(w, "dentist has active orders and cannot be deactivated", 409)
		return
	}
	res, err := db.Exec(`UPDATE dentists SET status='inactive' WHERE id=?`, id)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		jsonErr(w, "not found", 404)
		return
	}
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionUpdate,
		EntityType: "dentist", EntityID: id,
		Summary: "Deactivated dentist " + id,
	})
	jsonResp(w, map[string]string{"status": "ok"})
}
