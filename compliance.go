package main

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"denlab/internal/engine"
)

// complianceQueue implements engine.DocumentRequester by enqueueing a durable
// request row. Generation itself happens in the background worker, so a slow
// or failing generator can never block a worksheet transition.
type complianceQueue struct {
	db *sql.DB
}

func (q *complianceQueue) RequestGeneration(worksheetID, locale string) error {
	_, err := q.db.Exec(`INSERT INTO compliance_requests (worksheet_id, locale)
		VALUES (?, ?)
		ON CONFLICT(worksheet_id) DO UPDATE SET status = 'pending', updated_at = CURRENT_TIMESTAMP`,
		worksheetID, locale)
	return err
}

// runComplianceWorker drains the request queue on an interval. Each pass also
// reconciles: any QC_APPROVED or DELIVERED worksheet missing a request row
// gets one, so a crash between commit and enqueue heals itself.
func runComplianceWorker(stop <-chan struct{}) {
	interval := time.Duration(labConfig.ComplianceIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := reconcileComplianceRequests(); err != nil {
				log.Printf("compliance reconcile: %v", err)
			}
			processComplianceRequests()
		}
	}
}

func reconcileComplianceRequests() error {
	_, err := db.Exec(`INSERT INTO compliance_requests (worksheet_id, locale)
		SELECT w.id, ? FROM worksheets w
		WHERE w.status IN ('QC_APPROVED','DELIVERED')
		  AND NOT EXISTS (SELECT 1 FROM compliance_requests cr WHERE cr.worksheet_id = w.id)`,
		labConfig.Locale)
	return err
}

func processComplianceRequests() {
	rows, err := db.Query(`SELECT id, worksheet_id, locale FROM compliance_requests
		WHERE status IN ('pending','failed') AND attempts < ? ORDER BY id`,
		labConfig.ComplianceMaxAttempts)
	if err != nil {
		log.Printf("compliance query: %v", err)
		return
	}
	type pending struct {
		id          int
		worksheetID string
		locale      string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		rows.Scan(&p.id, &p.worksheetID, &p.locale)
		batch = append(batch, p)
	}
	rows.Close()

	for _, p := range batch {
		if err := generateComplianceDocument(p.worksheetID, p.locale); err != nil {
			log.Printf("compliance document for %s: %v", p.worksheetID, err)
			db.Exec(`UPDATE compliance_requests SET status = 'failed', attempts = attempts + 1,
				last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, err.Error(), p.id)
			continue
		}
		db.Exec(`UPDATE compliance_requests SET status = 'sent', attempts = attempts + 1,
			last_error = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, p.id)
		wsHub.BroadcastChange("compliance_document", p.worksheetID, "generated")
	}
}

// generateComplianceDocument renders the Annex XIII statement for a custom
// made device. The body lists every consumed lot by number so the device can
// be traced back to raw material batches.
func generateComplianceDocument(worksheetID, locale string) error {
	var ws Worksheet
	if err := scanWorksheet(db.QueryRow(worksheetSelect+" WHERE id = ?", worksheetID), &ws); err != nil {
		return fmt.Errorf("load worksheet: %w", err)
	}
	var dentistName, patientRef string
	db.QueryRow(`SELECT d.name, COALESCE(o.patient_ref,'') FROM orders o
		JOIN dentists d ON d.id = o.dentist_id WHERE o.id = ?`, ws.OrderID).Scan(&dentistName, &patientRef)

	rows, err := db.Query(`SELECT m.code, m.name, l.lot_number, c.quantity_used, m.unit
		FROM worksheet_consumptions c
		JOIN material_lots l ON l.id = c.lot_id
		JOIN materials m ON m.id = l.material_id
		WHERE c.worksheet_id = ? ORDER BY c.id`, worksheetID)
	if err != nil {
		return fmt.Errorf("load consumptions: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "STATEMENT FOR CUSTOM-MADE DEVICES (MDR Annex XIII)\n\n")
	fmt.Fprintf(&b, "Manufacturer: %s, %s\n", labConfig.CompanyName, labConfig.CompanyAddress)
	fmt.Fprintf(&b, "Worksheet: %s (revision %d)\nOrder: %s\n", ws.ID, ws.Revision, ws.OrderID)
	fmt.Fprintf(&b, "Prescribing practitioner: %s\n", dentistName)
	if patientRef != "" {
		fmt.Fprintf(&b, "Patient reference: %s\n", patientRef)
	}
	fmt.Fprintf(&b, "Device: %s\n\nMaterials used:\n", ws.DeviceDescription)
	n := 0
	for rows.Next() {
		var code, name, lotNumber, qty, unit string
		rows.Scan(&code, &name, &lotNumber, &qty, &unit)
		fmt.Fprintf(&b, "  - %s %s, lot %s: %s %s\n", code, name, lotNumber, qty, unit)
		n++
	}
	if n == 0 {
		fmt.Fprintf(&b, "  (none recorded)\n")
	}
	fmt.Fprintf(&b, "\nThis device is intended exclusively for the patient identified above.\n")
	fmt.Fprintf(&b, "Generated %s (%s)\n", time.Now().Format(time.RFC3339), locale)

	_, err = db.Exec(`INSERT INTO compliance_documents (worksheet_id, locale, content) VALUES (?,?,?)`,
		worksheetID, locale, b.String())
	if err != nil {
		return err
	}
	return engine.RecordAudit(db, engine.AuditRecord{
		Actor: "system", Action: engine.ActionExport,
		EntityType: "compliance_document", EntityID: worksheetID,
		Summary: "Generated Annex XIII statement for " + worksheetID,
	})
}

func handleListComplianceRequests(w http.ResponseWriter, r *http.Request) {
	query := `SELECT id, worksheet_id, locale, status, attempts, COALESCE(last_error,''), created_at, updated_at
		FROM compliance_requests`
	var args []interface{}
	if status := r.URL.Query().Get("status"); status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC"
	rows, err := db.Query(query, args...)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()
	var items []ComplianceRequest
	for rows.Next() {
		var cr ComplianceRequest
		rows.Scan(&cr.ID, &cr.WorksheetID, &cr.Locale, &cr.Status, &cr.Attempts, &cr.LastError, &cr.CreatedAt, &cr.UpdatedAt)
		items = append(items, cr)
	}
	if items == nil {
		items = []ComplianceRequest{}
	}
	jsonResp(w, items)
}

func handleGetComplianceDocument(w http.ResponseWriter, r *http.Request, worksheetID string) {
	var content, generatedAt string
	err := db.QueryRow(`SELECT content, generated_at FROM compliance_documents
		WHERE worksheet_id = ? ORDER BY id DESC LIMIT 1`, worksheetID).Scan(&content, &generatedAt)
	if err != nil {
		jsonErr(w, "no document generated yet", 404)
		return
	}
	jsonResp(w, map[string]string{
		"worksheet_id": worksheetID,
		"content":      content,
		"generated_at": generatedAt,
	})
}

// handleRetryCompliance requeues a failed request regardless of its attempt
// count and processes the queue immediately.
func handleRetryCompliance(w http.ResponseWriter, r *http.Request, worksheetID string) {
	res, err := db.Exec(`UPDATE compliance_requests SET status = 'pending', attempts = 0,
		last_error = '', updated_at = CURRENT_TIMESTAMP WHERE worksheet_id = ?`, worksheetID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	if n, _ := res.RowsAffected(); n != 1 {
		jsonErr(w, "no compliance request for worksheet", 404)
		return
	}
	processComplianceRequests()
	jsonResp(w, map[string]string{"status": "requeued"})
}
