package engine

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"denlab/internal/testutil"
)

type recordingDocs struct {
	mu       sync.Mutex
	requests []string
	fail     bool
}

func (d *recordingDocs) RequestGeneration(worksheetID, locale string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("queue down")
	}
	d.requests = append(d.requests, worksheetID)
	return nil
}

func newTestOrchestrator(db *sql.DB) (*Orchestrator, *recordingDocs) {
	docs := &recordingDocs{}
	return &Orchestrator{
		DB:     db,
		Docs:   docs,
		Locale: "en",
		Now:    func() time.Time { return time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC) },
	}, docs
}

func setupProductionScenario(t *testing.T, db *sql.DB) string {
	t.Helper()
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedMaterial(t, db, "MAT-X", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-X1", "MAT-X", "X-001", "2026-01-10", "", "50")
	testutil.SeedLot(t, db, "LOT-X2", "MAT-X", "X-002", "2026-02-10", "", "100")
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedRequirement(t, db, "WS-1", "MAT-X", "70")
	return "WS-1"
}

func TestTransitionConsumesOnProductionEntry(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	wsID := setupProductionScenario(t, db)

	ws, err := o.Transition(TransitionRequest{WorksheetID: wsID, Target: StatusInProduction, Actor: "tech", Role: RoleTechnician})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if ws.Status != string(StatusInProduction) {
		t.Errorf("status not updated: %s", ws.Status)
	}

	// FIFO draw: 50 from the older lot, 20 from the newer.
	rows, _ := db.Query(`SELECT lot_id, quantity_used FROM worksheet_consumptions WHERE worksheet_id = ? ORDER BY id`, wsID)
	var got []struct{ lot, qty string }
	for rows.Next() {
		var lot, qty string
		rows.Scan(&lot, &qty)
		got = append(got, struct{ lot, qty string }{lot, qty})
	}
	rows.Close()
	if len(got) != 2 || got[0].lot != "LOT-X1" || got[0].qty != "50" || got[1].lot != "LOT-X2" || got[1].qty != "20" {
		t.Errorf("consumption rows wrong: %+v", got)
	}

	// Order reflected to in_progress.
	var orderStatus string
	db.QueryRow(`SELECT status FROM orders WHERE id = 'ORD-T001'`).Scan(&orderStatus)
	if orderStatus != "in_progress" {
		t.Errorf("order status not reflected: %s", orderStatus)
	}

	// One TRANSITION entry plus one CONSUME per lot drawn.
	var transitions, consumes int
	db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'TRANSITION' AND entity_id = ?`, wsID).Scan(&transitions)
	db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'CONSUME'`).Scan(&consumes)
	if transitions != 1 || consumes != 2 {
		t.Errorf("audit counts wrong: %d transitions, %d consumes", transitions, consumes)
	}

	if err := CheckConservation(db, "MAT-X"); err != nil {
		t.Errorf("conservation after consumption: %v", err)
	}
}

func TestTransitionMultiMaterialAtomicity(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedMaterial(t, db, "MAT-X", "ZR-A2")
	testutil.SeedMaterial(t, db, "MAT-Y", "PMMA-CL")
	testutil.SeedLot(t, db, "LOT-X1", "MAT-X", "X-001", "2026-01-10", "", "100")
	testutil.SeedLot(t, db, "LOT-Y1", "MAT-Y", "Y-001", "2026-01-10", "", "5")
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedRequirement(t, db, "WS-1", "MAT-X", "40") // satisfiable
	testutil.SeedRequirement(t, db, "WS-1", "MAT-Y", "10") // not satisfiable

	_, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusInProduction, Actor: "tech", Role: RoleTechnician})
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.MaterialID != "MAT-Y" {
		t.Errorf("wrong material in error: %s", insufficient.MaterialID)
	}

	// Nothing moved: no lot decremented, worksheet still DRAFT, no
	// consumption rows, no audit entries.
	var availX, availY, status string
	db.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-X1'`).Scan(&availX)
	db.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-Y1'`).Scan(&availY)
	db.QueryRow(`SELECT status FROM worksheets WHERE id = 'WS-1'`).Scan(&status)
	if availX != "100" || availY != "5" || status != "DRAFT" {
		t.Errorf("partial effects leaked: X=%s Y=%s status=%s", availX, availY, status)
	}
	var consumptions, auditRows int
	db.QueryRow(`SELECT COUNT(*) FROM worksheet_consumptions`).Scan(&consumptions)
	db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&auditRows)
	if consumptions != 0 || auditRows != 0 {
		t.Errorf("rows leaked from aborted transition: %d consumptions, %d audit", consumptions, auditRows)
	}
}

func TestReworkDoesNotReconsume(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	wsID := setupProductionScenario(t, db)

	steps := []struct {
		target Status
		role   Role
		notes  string
	}{
		{StatusInProduction, RoleTechnician, ""},
		{StatusQCPending, RoleTechnician, ""},
		{StatusQCRejected, RoleQCInspector, "margin gap on distal"},
		{StatusInProduction, RoleTechnician, ""}, // rework
	}
	for _, s := range steps {
		if _, err := o.Transition(TransitionRequest{WorksheetID: wsID, Target: s.target, Actor: "u", Role: s.role, Notes: s.notes}); err != nil {
			t.Fatalf("transition to %s: %v", s.target, err)
		}
	}

	// Materials were drawn exactly once.
	var consumptions int
	db.QueryRow(`SELECT COUNT(*) FROM worksheet_consumptions WHERE worksheet_id = ?`, wsID).Scan(&consumptions)
	if consumptions != 2 {
		t.Errorf("rework re-consumed materials: %d rows", consumptions)
	}
	if err := CheckConservation(db, "MAT-X"); err != nil {
		t.Errorf("conservation after rework: %v", err)
	}
}

func TestRejectionRequiresNotes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "QC_PENDING", 1)

	for _, notes := range []string{"", "   ", "\t\n"} {
		_, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusQCRejected, Actor: "qc", Role: RoleQCInspector, Notes: notes})
		if !errors.Is(err, ErrNotesRequired) {
			t.Errorf("notes %q: expected ErrNotesRequired, got %v", notes, err)
		}
	}

	ws, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusQCRejected, Actor: "qc", Role: RoleQCInspector, Notes: "shade mismatch"})
	if err != nil {
		t.Fatalf("rejection with notes: %v", err)
	}
	if ws.RejectionNotes != "shade mismatch" {
		t.Errorf("rejection notes not stored: %q", ws.RejectionNotes)
	}

	var reason string
	db.QueryRow(`SELECT reason FROM audit_log WHERE action = 'TRANSITION' ORDER BY id DESC LIMIT 1`).Scan(&reason)
	if reason != "shade mismatch" {
		t.Errorf("audit reason missing: %q", reason)
	}
}

func TestTransitionRoleEnforcement(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "QC_APPROVED", 1)

	// Direct delivery by any human role is rejected.
	for _, role := range []Role{RoleAdmin, RoleTechnician, RoleQCInspector, RoleReception} {
		_, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusDelivered, Actor: "u", Role: role})
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("role %s: expected InvalidTransitionError, got %v", role, err)
		}
	}

	ws, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusDelivered, Actor: "system", Role: RoleSystem})
	if err != nil {
		t.Fatalf("system delivery: %v", err)
	}
	if ws.Status != string(StatusDelivered) {
		t.Errorf("status: %s", ws.Status)
	}
	var orderStatus string
	db.QueryRow(`SELECT status FROM orders WHERE id = 'ORD-T001'`).Scan(&orderStatus)
	if orderStatus != "completed" {
		t.Errorf("order not completed: %s", orderStatus)
	}
}

func TestTransitionRejectsNoOpAndUnknown(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "DRAFT", 1)

	var invalid *InvalidTransitionError
	if _, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusDraft, Actor: "a", Role: RoleAdmin}); !errors.As(err, &invalid) {
		t.Errorf("self transition: expected InvalidTransitionError, got %v", err)
	}
	if _, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: Status("SHIPPED"), Actor: "a", Role: RoleAdmin}); !errors.As(err, &invalid) {
		t.Errorf("unknown status: expected InvalidTransitionError, got %v", err)
	}
	if _, err := o.Transition(TransitionRequest{WorksheetID: "WS-404", Target: StatusInProduction, Actor: "a", Role: RoleAdmin}); !errors.Is(err, ErrWorksheetNotFound) {
		t.Errorf("missing worksheet: expected ErrWorksheetNotFound, got %v", err)
	}
}

func TestCancellationReleasesOrder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	wsID := setupProductionScenario(t, db)

	if _, err := o.Transition(TransitionRequest{WorksheetID: wsID, Target: StatusInProduction, Actor: "tech", Role: RoleTechnician}); err != nil {
		t.Fatalf("to production: %v", err)
	}
	if _, err := o.Transition(TransitionRequest{WorksheetID: wsID, Target: StatusCancelled, Actor: "tech", Role: RoleTechnician}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var orderStatus string
	db.QueryRow(`SELECT status FROM orders WHERE id = 'ORD-T001'`).Scan(&orderStatus)
	if orderStatus != "pending" {
		t.Errorf("cancelled worksheet should free the order, got %s", orderStatus)
	}

	// Consumed stock is not returned automatically; the record stands.
	var consumptions int
	db.QueryRow(`SELECT COUNT(*) FROM worksheet_consumptions WHERE worksheet_id = ?`, wsID).Scan(&consumptions)
	if consumptions == 0 {
		t.Error("consumption records vanished on cancel")
	}
	if err := CheckConservation(db, "MAT-X"); err != nil {
		t.Errorf("conservation after cancel: %v", err)
	}
}

func TestQCApprovalEnqueuesComplianceDoc(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, docs := newTestOrchestrator(db)
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "QC_PENDING", 1)

	if _, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusQCApproved, Actor: "qc", Role: RoleQCInspector}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	docs.mu.Lock()
	defer docs.mu.Unlock()
	if len(docs.requests) != 1 || docs.requests[0] != "WS-1" {
		t.Errorf("expected one document request for WS-1, got %v", docs.requests)
	}
}

func TestEnqueueFailureDoesNotRollBackTransition(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, docs := newTestOrchestrator(db)
	docs.fail = true
	testutil.SeedDentistAndOrder(t, db)
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "QC_PENDING", 1)

	ws, err := o.Transition(TransitionRequest{WorksheetID: "WS-1", Target: StatusQCApproved, Actor: "qc", Role: RoleQCInspector})
	if err != nil {
		t.Fatalf("approve should survive enqueue failure: %v", err)
	}
	if ws.Status != string(StatusQCApproved) {
		t.Errorf("status rolled back: %s", ws.Status)
	}
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)
	wsID := setupProductionScenario(t, db)

	plans, err := o.Preview(wsID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(plans) != 1 || len(plans[0].Lines) != 2 {
		t.Fatalf("unexpected plans: %+v", plans)
	}

	var avail, status string
	db.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-X1'`).Scan(&avail)
	db.QueryRow(`SELECT status FROM worksheets WHERE id = ?`, wsID).Scan(&status)
	if avail != "50" || status != "DRAFT" {
		t.Errorf("preview had side effects: avail=%s status=%s", avail, status)
	}
}

// Two transitions race to draw 60 units from a 100-unit lot. Exactly one may
// win; the loser must see insufficient stock (or a retryable conflict), and
// the lot must never go negative.
func TestConcurrentAllocationOversell(t *testing.T) {
	db := testutil.SetupSharedTestDB(t)
	defer db.Close()
	o, _ := newTestOrchestrator(db)

	testutil.SeedDentistAndOrder(t, db)
	db.Exec(`INSERT INTO orders (id, dentist_id, device_type) VALUES ('ORD-T002', 'DEN-T001', 'bridge')`)
	testutil.SeedMaterial(t, db, "MAT-X", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-X1", "MAT-X", "X-001", "2026-01-10", "", "100")
	testutil.SeedWorksheet(t, db, "WS-1", "ORD-T001", "DRAFT", 1)
	testutil.SeedWorksheet(t, db, "WS-2", "ORD-T002", "DRAFT", 1)
	testutil.SeedRequirement(t, db, "WS-1", "MAT-X", "60")
	testutil.SeedRequirement(t, db, "WS-2", "MAT-X", "60")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, wsID := range []string{"WS-1", "WS-2"} {
		wg.Add(1)
		go func(i int, wsID string) {
			defer wg.Done()
			_, errs[i] = o.Transition(TransitionRequest{WorksheetID: wsID, Target: StatusInProduction, Actor: "tech", Role: RoleTechnician})
		}(i, wsID)
	}
	wg.Wait()

	var successes, stockErrs int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		default:
			var insufficient *InsufficientStockError
			var conflict *ConcurrentModificationError
			if errors.As(err, &insufficient) || errors.As(err, &conflict) {
				stockErrs++
			} else {
				t.Errorf("unexpected error type: %v", err)
			}
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one winner, got %d (errors: %v)", successes, errs)
	}
	if stockErrs != 1 {
		t.Errorf("expected exactly one allocation failure, got %d", stockErrs)
	}

	// Invariant: never negative, and conservation holds.
	var avail string
	db.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-X1'`).Scan(&avail)
	if avail != "40" {
		t.Errorf("expected 40 remaining after one 60-unit draw, got %s", avail)
	}
	if err := CheckConservation(db, "MAT-X"); err != nil {
		t.Errorf("conservation after race: %v", err)
	}
}
