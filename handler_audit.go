package main

import (
	"net/http"

	"denlab/internal/engine"
)

const auditSelect = `SELECT id, actor, action, entity_type, entity_id, summary,
	COALESCE(before_value,''), COALESCE(after_value,''), COALESCE(reason,''), created_at FROM audit_log`

// handleListAudit reads the trail with optional filters. There is no write
// endpoint: entries only ever appear as side effects of other operations.
func handleListAudit(w http.ResponseWriter, r *http.Request) {
	query := auditSelect + " WHERE 1=1"
	var args []interface{}
	if v := r.URL.Query().Get("entity_type"); v != "" {
		query += " AND entity_type = ?"
		args = append(args, v)
	}
	if v := r.URL.Query().Get("entity_id"); v != "" {
		query += " AND entity_id = ?"
		args = append(args, v)
	}
	if v := r.URL.Query().Get("actor"); v != "" {
		query += " AND actor = ?"
		args = append(args, v)
	}
	if v := r.URL.Query().Get("action"); v != "" {
		query += " AND action = ?"
		args = append(args, v)
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 200)
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	if page < 1 {
		page = 1
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_log WHERE 1=1" + query[len(auditSelect+" WHERE 1=1"):]
	if err := db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []AuditEntry
	for rows.Next() {
		var e AuditEntry
		rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.Summary,
			&e.BeforeValue, &e.AfterValue, &e.Reason, &e.CreatedAt)
		items = append(items, e)
	}
	if items == nil {
		items = []AuditEntry{}
	}
	jsonRespMeta(w, items, total, page, limit)
}

// handleEntityHistory returns the full trail for one entity, oldest first, so
// the reader sees the lifecycle in order.
func handleEntityHistory(w http.ResponseWriter, r *http.Request, entityType, entityID string) {
	rows, err := db.Query(auditSelect+" WHERE entity_type = ? AND entity_id = ? ORDER BY id ASC",
		entityType, entityID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []AuditEntry
	for rows.Next() {
		var e AuditEntry
		rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.Summary,
			&e.BeforeValue, &e.AfterValue, &e.Reason, &e.CreatedAt)
		items = append(items, e)
	}
	if items == nil {
		items = []AuditEntry{}
	}
	jsonResp(w, items)
}

func handleExportAudit(w http.ResponseWriter, r *http.Request) {
	rows, err := db.Query(auditSelect + " ORDER BY id ASC")
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	headers := []string{"ID", "Actor", "Action", "Entity Type", "Entity ID", "Summary", "Before", "After", "Reason", "Created At"}
	var data [][]string
	for rows.Next() {
		var e AuditEntry
		rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.Summary,
			&e.BeforeValue, &e.AfterValue, &e.Reason, &e.CreatedAt)
		data = append(data, []string{itoa(e.ID), e.Actor, e.Action, e.EntityType, e.EntityID, e.Summary,
			e.BeforeValue, e.AfterValue, e.Reason, e.CreatedAt})
	}

	writeExport(w, r, "AuditLog", headers, data)
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionExport,
		EntityType: "audit_log", EntityID: "all", Summary: "Exported audit log",
	})
}
