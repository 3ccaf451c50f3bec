package main

import (
	"net/http/httptest"
	"strings"
	"testing"

	"denlab/internal/testutil"
)

func seedDeliverableWorksheet(t *testing.T) {
	t.Helper()
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-1", "MAT-1", "Z-2601", "2026-01-10", "", "100")
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedRequirement(t, db, "WS-1", "MAT-1", "30")
}

func TestComplianceQueueIdempotentEnqueue(t *testing.T) {
	testDB := setupHandlerTest(t)
	testutil.SeedDentistAndOrder(t, testDB)
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "QC_APPROVED", 1)

	q := &complianceQueue{db: testDB}
	if err := q.RequestGeneration("WS-1", "en"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Re-enqueue resets to pending instead of violating the unique index.
	testDB.Exec(`UPDATE compliance_requests SET status = 'failed', attempts = 3 WHERE worksheet_id = 'WS-1'`)
	if err := q.RequestGeneration("WS-1", "en"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	var count int
	var status string
	testDB.QueryRow(`SELECT COUNT(*) FROM compliance_requests WHERE worksheet_id = 'WS-1'`).Scan(&count)
	testDB.QueryRow(`SELECT status FROM compliance_requests WHERE worksheet_id = 'WS-1'`).Scan(&status)
	if count != 1 || status != "pending" {
		t.Errorf("expected one pending request, got %d %s", count, status)
	}
}

func TestGenerateComplianceDocumentTracesLots(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	seedDeliverableWorksheet(t)

	// Drive the worksheet through production so consumption records exist.
	for _, target := range []string{"IN_PRODUCTION", "QC_PENDING", "QC_APPROVED"} {
		w := httptest.NewRecorder()
		req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/transition",
			map[string]string{"target": target}, token)
		handleTransitionWorksheet(w, req, "WS-1")
		testutil.AssertStatus(t, w, 200)
	}

	processComplianceRequests()

	var content string
	if err := testDB.QueryRow(`SELECT content FROM compliance_documents WHERE worksheet_id = 'WS-1'`).Scan(&content); err != nil {
		t.Fatalf("no document generated: %v", err)
	}
	for _, want := range []string{"Annex XIII", "WS-1", "lot Z-2601", "30 g", "Dr. Test", "P-42"} {
		if !strings.Contains(content, want) {
			t.Errorf("document missing %q:\n%s", want, content)
		}
	}

	var status string
	testDB.QueryRow(`SELECT status FROM compliance_requests WHERE worksheet_id = 'WS-1'`).Scan(&status)
	if status != "sent" {
		t.Errorf("request not marked sent: %s", status)
	}

	// The document endpoint serves it.
	w := httptest.NewRecorder()
	req := testutil.AuthedRequest("GET", "/api/v1/worksheets/WS-1/document", nil, token)
	handleGetComplianceDocument(w, req, "WS-1")
	testutil.AssertStatus(t, w, 200)
}

func TestReconcilerBackfillsMissingRequests(t *testing.T) {
	testDB := setupHandlerTest(t)
	testutil.SeedDentistAndOrder(t, testDB)
	// Approved worksheet with no request row, simulating a crash between
	// commit and enqueue.
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "QC_APPROVED", 1)
	// Draft worksheet must not be picked up.
	testDB.Exec(`INSERT INTO orders (id, dentist_id) VALUES ('ORD-T002', 'DEN-T001')`)
	testutil.SeedWorksheet(t, testDB, "WS-2", "ORD-T002", "DRAFT", 1)

	if err := reconcileComplianceRequests(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var count int
	testDB.QueryRow(`SELECT COUNT(*) FROM compliance_requests`).Scan(&count)
	if count != 1 {
		t.Fatalf("expected exactly one backfilled request, got %d", count)
	}
	var wsID string
	testDB.QueryRow(`SELECT worksheet_id FROM compliance_requests`).Scan(&wsID)
	if wsID != "WS-1" {
		t.Errorf("wrong worksheet backfilled: %s", wsID)
	}

	// Running again is a no-op.
	if err := reconcileComplianceRequests(); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	testDB.QueryRow(`SELECT COUNT(*) FROM compliance_requests`).Scan(&count)
	if count != 1 {
		t.Errorf("reconcile duplicated requests: %d", count)
	}
}

func TestRetryComplianceEndpoint(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAdmin(t, testDB)
	seedDeliverableWorksheet(t)
	testDB.Exec(`UPDATE worksheets SET status = 'QC_APPROVED' WHERE id = 'WS-1'`)
	testDB.Exec(`INSERT INTO compliance_requests (worksheet_id, status, attempts, last_error)
		VALUES ('WS-1', 'failed', 5, 'boom')`)

	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/compliance-retry", nil, token)
	handleRetryCompliance(w, req, "WS-1")
	testutil.AssertStatus(t, w, 200)

	var status string
	testDB.QueryRow(`SELECT status FROM compliance_requests WHERE worksheet_id = 'WS-1'`).Scan(&status)
	if status != "sent" {
		t.Errorf("retry did not regenerate: %s", status)
	}

	// Unknown worksheet -> 404.
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-404/compliance-retry", nil, token)
	handleRetryCompliance(w, req, "WS-404")
	testutil.AssertStatus(t, w, 404)
}
