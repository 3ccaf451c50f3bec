package main

import (
	"net/http/httptest"
	"testing"

	"denlab/internal/models"
	"denlab/internal/testutil"
)

func TestCreateWorksheetOnePerOrder(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	testutil.SeedDentistAndOrder(t, testDB)

	// First worksheet succeeds at revision 1.
	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets",
		map[string]string{"order_id": "ORD-T001", "device_description": "crown 26"}, token)
	handleCreateWorksheet(w, req)
	testutil.AssertStatus(t, w, 200)
	var ws models.Worksheet
	testutil.DecodeEnvelope(t, w, &ws)
	if ws.Revision != 1 || ws.Status != "DRAFT" {
		t.Errorf("first worksheet wrong: rev=%d status=%s", ws.Revision, ws.Status)
	}

	// Second for the same order is rejected while the first is live.
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("POST", "/api/v1/worksheets", map[string]string{"order_id": "ORD-T001"}, token)
	handleCreateWorksheet(w, req)
	testutil.AssertStatus(t, w, 409)

	// Voiding the first permits exactly one replacement at revision 2.
	if _, err := testDB.Exec(`UPDATE worksheets SET status = 'VOIDED' WHERE id = ?`, ws.ID); err != nil {
		t.Fatalf("void: %v", err)
	}
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("POST", "/api/v1/worksheets", map[string]string{"order_id": "ORD-T001"}, token)
	handleCreateWorksheet(w, req)
	testutil.AssertStatus(t, w, 200)
	var ws2 models.Worksheet
	testutil.DecodeEnvelope(t, w, &ws2)
	if ws2.Revision != 2 {
		t.Errorf("replacement should be revision 2, got %d", ws2.Revision)
	}
}

func TestCreateWorksheetRejectsCancelledOrder(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	testutil.SeedDentistAndOrder(t, testDB)
	testDB.Exec(`UPDATE orders SET status = 'cancelled' WHERE id = 'ORD-T001'`)

	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets", map[string]string{"order_id": "ORD-T001"}, token)
	handleCreateWorksheet(w, req)
	testutil.AssertStatus(t, w, 409)
}

func TestSetRequirementsOnlyWhileDraft(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	testutil.SeedDentistAndOrder(t, testDB)
	testutil.SeedMaterial(t, testDB, "MAT-1", "ZR-A2")
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "DRAFT", 1)

	body := []map[string]interface{}{{"material_id": "MAT-1", "quantity": "12.5"}}
	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("PUT", "/api/v1/worksheets/WS-1/requirements", body, token)
	handleSetRequirements(w, req, "WS-1")
	testutil.AssertStatus(t, w, 200)

	var qty string
	testDB.QueryRow(`SELECT quantity FROM worksheet_requirements WHERE worksheet_id = 'WS-1'`).Scan(&qty)
	if qty != "12.5" {
		t.Errorf("requirement not stored: %q", qty)
	}

	// Frozen once out of DRAFT.
	testDB.Exec(`UPDATE worksheets SET status = 'IN_PRODUCTION' WHERE id = 'WS-1'`)
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("PUT", "/api/v1/worksheets/WS-1/requirements", body, token)
	handleSetRequirements(w, req, "WS-1")
	testutil.AssertStatus(t, w, 409)
}

func TestSetRequirementsValidation(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	testutil.SeedDentistAndOrder(t, testDB)
	testutil.SeedMaterial(t, testDB, "MAT-1", "ZR-A2")
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "DRAFT", 1)

	cases := []interface{}{
		[]map[string]interface{}{{"material_id": "MAT-1", "quantity": "0"}},
		[]map[string]interface{}{{"material_id": "MAT-1", "quantity": "-3"}},
		[]map[string]interface{}{{"material_id": "", "quantity": "5"}},
		[]map[string]interface{}{
			{"material_id": "MAT-1", "quantity": "5"},
			{"material_id": "MAT-1", "quantity": "7"},
		},
	}
	for _, body := range cases {
		w := httptest.NewRecorder()
		req := testutil.AuthedJSONRequest("PUT", "/api/v1/worksheets/WS-1/requirements", body, token)
		handleSetRequirements(w, req, "WS-1")
		testutil.AssertStatus(t, w, 400)
	}
}

func TestTransitionEndpointHappyPath(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	testutil.SeedDentistAndOrder(t, testDB)
	testutil.SeedMaterial(t, testDB, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, testDB, "LOT-1", "MAT-1", "A-001", "2026-01-10", "", "100")
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedRequirement(t, testDB, "WS-1", "MAT-1", "30")

	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/transition",
		map[string]string{"target": "IN_PRODUCTION"}, token)
	handleTransitionWorksheet(w, req, "WS-1")
	testutil.AssertStatus(t, w, 200)

	var ws models.Worksheet
	testutil.DecodeEnvelope(t, w, &ws)
	if ws.Status != "IN_PRODUCTION" {
		t.Errorf("status: %s", ws.Status)
	}
	var avail string
	testDB.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-1'`).Scan(&avail)
	if avail != "70" {
		t.Errorf("lot not drawn: %s", avail)
	}
}

func TestTransitionEndpointErrorMapping(t *testing.T) {
	testDB := setupHandlerTest(t)
	techToken := testutil.LoginAs(t, testDB, "tech1", "technician")
	qcToken := testutil.LoginAs(t, testDB, "qc1", "qc_inspector")
	testutil.SeedDentistAndOrder(t, testDB)
	testutil.SeedMaterial(t, testDB, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, testDB, "LOT-1", "MAT-1", "A-001", "2026-01-10", "", "10")
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedRequirement(t, testDB, "WS-1", "MAT-1", "50")

	// Insufficient stock -> 409, worksheet stays DRAFT.
	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/transition",
		map[string]string{"target": "IN_PRODUCTION"}, techToken)
	handleTransitionWorksheet(w, req, "WS-1")
	testutil.AssertStatus(t, w, 409)

	// Illegal edge -> 403.
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/transition",
		map[string]string{"target": "DELIVERED"}, techToken)
	handleTransitionWorksheet(w, req, "WS-1")
	testutil.AssertStatus(t, w, 403)

	// Rejection without notes -> 400.
	testDB.Exec(`UPDATE worksheets SET status = 'QC_PENDING' WHERE id = 'WS-1'`)
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/transition",
		map[string]string{"target": "QC_REJECTED"}, qcToken)
	handleTransitionWorksheet(w, req, "WS-1")
	testutil.AssertStatus(t, w, 400)

	// Unknown worksheet -> 404.
	w = httptest.NewRecorder()
	req = testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-404/transition",
		map[string]string{"target": "IN_PRODUCTION"}, techToken)
	handleTransitionWorksheet(w, req, "WS-404")
	testutil.AssertStatus(t, w, 404)
}

func TestWorksheetConsumptionsEndpoint(t *testing.T) {
	testDB := setupHandlerTest(t)
	token := testutil.LoginAs(t, testDB, "tech1", "technician")
	testutil.SeedDentistAndOrder(t, testDB)
	testutil.SeedMaterial(t, testDB, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, testDB, "LOT-1", "MAT-1", "A-001", "2026-01-10", "", "100")
	testutil.SeedWorksheet(t, testDB, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedRequirement(t, testDB, "WS-1", "MAT-1", "25")

	w := httptest.NewRecorder()
	req := testutil.AuthedJSONRequest("POST", "/api/v1/worksheets/WS-1/transition",
		map[string]string{"target": "IN_PRODUCTION"}, token)
	handleTransitionWorksheet(w, req, "WS-1")
	testutil.AssertStatus(t, w, 200)

	w = httptest.NewRecorder()
	req = testutil.AuthedRequest("GET", "/api/v1/worksheets/WS-1/consumptions", nil, token)
	handleWorksheetConsumptions(w, req, "WS-1")
	testutil.AssertStatus(t, w, 200)
	var consumptions []models.MaterialConsumption
	testutil.DecodeEnvelope(t, w, &consumptions)
	if len(consumptions) != 1 || consumptions[0].LotNumber != "A-001" || consumptions[0].QuantityUsed.String() != "25" {
		t.Errorf("consumptions wrong: %+v", consumptions)
	}
}
