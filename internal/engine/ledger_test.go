package engine

import (
	"strings"
	"testing"
	"time"

	"denlab/internal/models"
	"denlab/internal/testutil"
)

func strPtr(s string) *string { return &s }

func TestReceiveLot(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")

	lot := &models.MaterialLot{
		ID:               "LOT-1",
		MaterialID:       "MAT-1",
		LotNumber:        "Z-1001",
		Supplier:         "DentSupply",
		ArrivalDate:      "2026-03-01",
		ExpiryDate:       strPtr("2027-03-01"),
		QuantityReceived: dec("250"),
	}
	if err := ReceiveLot(db, lot, "admin"); err != nil {
		t.Fatalf("ReceiveLot: %v", err)
	}

	var status, received, available string
	db.QueryRow(`SELECT status, quantity_received, quantity_available FROM material_lots WHERE id = 'LOT-1'`).
		Scan(&status, &received, &available)
	if status != LotAvailable || received != "250" || available != "250" {
		t.Errorf("lot row wrong: %s %s %s", status, received, available)
	}

	var action string
	db.QueryRow(`SELECT action FROM audit_log WHERE entity_id = 'LOT-1'`).Scan(&action)
	if action != ActionReceive {
		t.Errorf("expected RECEIVE audit entry, got %q", action)
	}

	if err := CheckConservation(db, "MAT-1"); err != nil {
		t.Errorf("conservation after receive: %v", err)
	}
}

func TestReceiveLotValidation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")

	err := ReceiveLot(db, &models.MaterialLot{ID: "LOT-1", MaterialID: "MAT-1", LotNumber: "X", QuantityReceived: dec("0")}, "admin")
	if err == nil {
		t.Error("zero quantity accepted")
	}
	err = ReceiveLot(db, &models.MaterialLot{ID: "LOT-2", MaterialID: "MAT-1", LotNumber: "  ", QuantityReceived: dec("10")}, "admin")
	if err == nil {
		t.Error("blank lot number accepted")
	}
}

func TestRecallLotWritesOffRemainder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-A", "MAT-1", "A-001", "2026-01-10", "", "80")

	if err := RecallLot(db, "LOT-A", "supplier notice 26/117", "admin"); err != nil {
		t.Fatalf("RecallLot: %v", err)
	}

	var status, avail string
	db.QueryRow(`SELECT status, quantity_available FROM material_lots WHERE id = 'LOT-A'`).Scan(&status, &avail)
	if status != LotRecalled || avail != "0" {
		t.Errorf("expected RECALLED at 0, got %s %s", status, avail)
	}

	var delta, reason string
	db.QueryRow(`SELECT delta, reason FROM lot_corrections WHERE lot_id = 'LOT-A'`).Scan(&delta, &reason)
	if delta != "-80" || !strings.HasPrefix(reason, "recall:") {
		t.Errorf("correction row wrong: %s %q", delta, reason)
	}

	// The write-off keeps the identity intact.
	if err := CheckConservation(db, "MAT-1"); err != nil {
		t.Errorf("conservation after recall: %v", err)
	}

	if err := RecallLot(db, "LOT-A", "again", "admin"); err == nil {
		t.Error("double recall accepted")
	}
}

func TestAdjustLotBounds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-A", "MAT-1", "A-001", "2026-01-10", "", "100")

	if err := AdjustLot(db, "LOT-A", dec("-30"), "spillage", "tech"); err != nil {
		t.Fatalf("AdjustLot down: %v", err)
	}
	var avail string
	db.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-A'`).Scan(&avail)
	if avail != "70" {
		t.Errorf("expected 70 after -30, got %s", avail)
	}

	if err := AdjustLot(db, "LOT-A", dec("-71"), "too much", "tech"); err == nil {
		t.Error("correction below zero accepted")
	}
	if err := AdjustLot(db, "LOT-A", dec("31"), "too much back", "tech"); err == nil {
		t.Error("correction above received accepted")
	}
	if err := AdjustLot(db, "LOT-A", dec("0"), "noop", "tech"); err == nil {
		t.Error("zero delta accepted")
	}
	if err := AdjustLot(db, "LOT-A", dec("10"), "   ", "tech"); err == nil {
		t.Error("blank reason accepted")
	}

	if err := CheckConservation(db, "MAT-1"); err != nil {
		t.Errorf("conservation after corrections: %v", err)
	}
}

func TestAdjustRevivesDepletedLot(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-A", "MAT-1", "A-001", "2026-01-10", "", "100")
	db.Exec(`UPDATE material_lots SET status = 'DEPLETED', quantity_available = '0' WHERE id = 'LOT-A'`)
	db.Exec(`INSERT INTO lot_corrections (lot_id, delta, reason) VALUES ('LOT-A', '-100', 'stocktake')`)

	if err := AdjustLot(db, "LOT-A", dec("15"), "found unopened pack", "tech"); err != nil {
		t.Fatalf("AdjustLot: %v", err)
	}
	var status string
	db.QueryRow(`SELECT status FROM material_lots WHERE id = 'LOT-A'`).Scan(&status)
	if status != LotAvailable {
		t.Errorf("expected AVAILABLE after positive correction, got %s", status)
	}
}

func TestAdjustRejectsRecalledLot(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-A", "MAT-1", "A-001", "2026-01-10", "", "100")
	if err := RecallLot(db, "LOT-A", "notice", "admin"); err != nil {
		t.Fatalf("RecallLot: %v", err)
	}
	if err := AdjustLot(db, "LOT-A", dec("5"), "oops", "tech"); err == nil {
		t.Error("correction on recalled lot accepted")
	}
}

func TestSweepExpired(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	sweep := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	testutil.SeedLot(t, db, "LOT-PAST", "MAT-1", "A-001", "2025-01-10", "2026-05-01", "10")
	testutil.SeedLot(t, db, "LOT-TODAY", "MAT-1", "B-001", "2025-01-10", "2026-06-01", "10")
	testutil.SeedLot(t, db, "LOT-FUTURE", "MAT-1", "C-001", "2025-01-10", "2026-07-01", "10")
	testutil.SeedLot(t, db, "LOT-NOEXP", "MAT-1", "D-001", "2025-01-10", "", "10")

	n, err := SweepExpired(db, sweep)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 lots swept, got %d", n)
	}

	expect := map[string]string{
		"LOT-PAST":   LotExpired,
		"LOT-TODAY":  LotExpired, // expiry on the sweep day counts as expired
		"LOT-FUTURE": LotAvailable,
		"LOT-NOEXP":  LotAvailable,
	}
	for id, want := range expect {
		var status string
		db.QueryRow(`SELECT status FROM material_lots WHERE id = ?`, id).Scan(&status)
		if status != want {
			t.Errorf("%s: expected %s, got %s", id, want, status)
		}
	}

	// Expired lots keep their remaining quantity.
	var avail string
	db.QueryRow(`SELECT quantity_available FROM material_lots WHERE id = 'LOT-PAST'`).Scan(&avail)
	if avail != "10" {
		t.Errorf("expired lot lost quantity: %s", avail)
	}
}

func TestLotLedgerOrder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-C", "MAT-1", "C-001", "2026-03-01", "", "10")
	testutil.SeedLot(t, db, "LOT-A", "MAT-1", "A-001", "2026-01-01", "", "10")
	testutil.SeedLot(t, db, "LOT-B", "MAT-1", "B-001", "2026-01-01", "", "10")

	lots, err := LotLedger(db, "MAT-1")
	if err != nil {
		t.Fatalf("LotLedger: %v", err)
	}
	got := []string{lots[0].ID, lots[1].ID, lots[2].ID}
	want := []string{"LOT-A", "LOT-B", "LOT-C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ledger order %v, want %v", got, want)
		}
	}
}

func TestCheckConservationDetectsViolation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer db.Close()
	testutil.SeedMaterial(t, db, "MAT-1", "ZR-A2")
	testutil.SeedLot(t, db, "LOT-A", "MAT-1", "A-001", "2026-01-10", "", "100")

	if err := CheckConservation(db, "MAT-1"); err != nil {
		t.Fatalf("clean lot flagged: %v", err)
	}

	// Mutate stock outside the engine: no consumption, no correction row.
	db.Exec(`UPDATE material_lots SET quantity_available = '90' WHERE id = 'LOT-A'`)
	if err := CheckConservation(db, "MAT-1"); err == nil {
		t.Error("conservation violation not detected")
	}
}
