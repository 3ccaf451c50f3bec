package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"denlab/internal/models"
)

// ReceiveLot records the arrival of one physical batch. quantity_available
// starts equal to quantity_received; from then on it only moves through the
// allocator's apply step or explicit corrections.
func ReceiveLot(db *sql.DB, lot *models.MaterialLot, actor string) error {
	if lot.QuantityReceived.Sign() <= 0 {
		return fmt.Errorf("received quantity must be positive, got %s", lot.QuantityReceived.String())
	}
	if strings.TrimSpace(lot.LotNumber) == "" {
		return fmt.Errorf("lot number is required")
	}
	now := time.Now().Format("2006-01-02 15:04:05")
	if lot.ArrivalDate == "" {
		lot.ArrivalDate = time.Now().Format("2006-01-02")
	}
	lot.QuantityAvailable = lot.QuantityReceived
	lot.Status = LotAvailable
	lot.CreatedAt = now
	lot.UpdatedAt = now

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var expiry interface{}
	if lot.ExpiryDate != nil && *lot.ExpiryDate != "" {
		expiry = *lot.ExpiryDate
	}
	_, err = tx.Exec(`INSERT INTO material_lots
		(id, material_id, lot_number, supplier, arrival_date, expiry_date, quantity_received, quantity_available, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.MaterialID, lot.LotNumber, lot.Supplier, lot.ArrivalDate, expiry,
		lot.QuantityReceived, lot.QuantityAvailable, lot.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	if err := RecordAudit(tx, AuditRecord{
		Actor:      actor,
		Action:     ActionReceive,
		EntityType: "material_lot",
		EntityID:   lot.ID,
		Summary:    fmt.Sprintf("Received lot %s of %s: %s", lot.LotNumber, lot.MaterialID, lot.QuantityReceived.String()),
		After:      lot,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RecallLot marks a lot RECALLED. The remaining quantity is written off with
// a correction record so the conservation identity keeps holding.
func RecallLot(db *sql.DB, lotID, reason, actor string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("recall reason is required")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var avail decimal.Decimal
	err = tx.QueryRow(`SELECT status, quantity_available FROM material_lots WHERE id = ?`, lotID).Scan(&status, &avail)
	if err == sql.ErrNoRows {
		return fmt.Errorf("lot %s not found", lotID)
	}
	if err != nil {
		return err
	}
	if status == LotRecalled {
		return fmt.Errorf("lot %s is already recalled", lotID)
	}

	now := time.Now().Format("2006-01-02 15:04:05")
	if _, err := tx.Exec(`UPDATE material_lots SET status = ?, quantity_available = ?, updated_at = ? WHERE id = ?`,
		LotRecalled, decimal.Zero, now, lotID); err != nil {
		return err
	}
	if avail.Sign() > 0 {
		if _, err := tx.Exec(`INSERT INTO lot_corrections (lot_id, delta, reason, actor) VALUES (?, ?, ?, ?)`,
			lotID, avail.Neg(), "recall: "+reason, actor); err != nil {
			return err
		}
	}
	if err := RecordAudit(tx, AuditRecord{
		Actor:      actor,
		Action:     ActionRecall,
		EntityType: "material_lot",
		EntityID:   lotID,
		Summary:    fmt.Sprintf("Recalled lot %s, wrote off %s", lotID, avail.String()),
		Before:     map[string]string{"status": status, "quantity_available": avail.String()},
		After:      map[string]string{"status": LotRecalled, "quantity_available": "0"},
		Reason:     reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AdjustLot applies a signed correction to a lot's available quantity
// (stocktake variance, spillage). The resulting quantity must stay within
// [0, quantity_received]. A depleted lot gaining stock back becomes AVAILABLE
// again; an available lot corrected to zero stays AVAILABLE because it was
// not drained by allocation.
func AdjustLot(db *sql.DB, lotID string, delta decimal.Decimal, reason, actor string) error {
	if delta.Sign() == 0 {
		return fmt.Errorf("correction delta must be non-zero")
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("correction reason is required")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var avail, received decimal.Decimal
	err = tx.QueryRow(`SELECT status, quantity_available, quantity_received FROM material_lots WHERE id = ?`, lotID).
		Scan(&status, &avail, &received)
	if err == sql.ErrNoRows {
		return fmt.Errorf("lot %s not found", lotID)
	}
	if err != nil {
		return err
	}
	if status == LotRecalled {
		return fmt.Errorf("lot %s is recalled and may not be corrected", lotID)
	}

	newAvail := avail.Add(delta)
	if newAvail.Sign() < 0 {
		return fmt.Errorf("correction would take lot %s below zero (available %s, delta %s)", lotID, avail.String(), delta.String())
	}
	if newAvail.GreaterThan(received) {
		return fmt.Errorf("correction would take lot %s above its received quantity %s", lotID, received.String())
	}
	newStatus := status
	if status == LotDepleted && newAvail.Sign() > 0 {
		newStatus = LotAvailable
	}

	now := time.Now().Format("2006-01-02 15:04:05")
	if _, err := tx.Exec(`UPDATE material_lots SET quantity_available = ?, status = ?, updated_at = ? WHERE id = ?`,
		newAvail, newStatus, now, lotID); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO lot_corrections (lot_id, delta, reason, actor) VALUES (?, ?, ?, ?)`,
		lotID, delta, reason, actor); err != nil {
		return err
	}
	if err := RecordAudit(tx, AuditRecord{
		Actor:      actor,
		Action:     ActionCorrect,
		EntityType: "material_lot",
		EntityID:   lotID,
		Summary:    fmt.Sprintf("Corrected lot %s by %s", lotID, delta.String()),
		Before:     map[string]string{"quantity_available": avail.String()},
		After:      map[string]string{"quantity_available": newAvail.String()},
		Reason:     reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SweepExpired marks every AVAILABLE lot whose expiry date has passed as
// EXPIRED. Expired lots keep their remaining quantity but are excluded from
// allocation. Returns the number of lots flipped.
func SweepExpired(db *sql.DB, asOf time.Time) (int64, error) {
	today := asOf.Format("2006-01-02")
	now := asOf.Format("2006-01-02 15:04:05")
	res, err := db.Exec(`UPDATE material_lots SET status = ?, updated_at = ?
		WHERE status = ? AND expiry_date IS NOT NULL AND expiry_date <= ?`,
		LotExpired, now, LotAvailable, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LotLedger returns every lot of a material, oldest arrival first, in the
// same deterministic order the allocator walks.
func LotLedger(q Querier, materialID string) ([]models.MaterialLot, error) {
	rows, err := q.Query(`SELECT id, material_id, lot_number, COALESCE(supplier,''), arrival_date, expiry_date,
		quantity_received, quantity_available, status, created_at, updated_at
		FROM material_lots WHERE material_id = ? ORDER BY arrival_date ASC, lot_number ASC`, materialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []models.MaterialLot
	for rows.Next() {
		var l models.MaterialLot
		var expiry sql.NullString
		if err := rows.Scan(&l.ID, &l.MaterialID, &l.LotNumber, &l.Supplier, &l.ArrivalDate, &expiry,
			&l.QuantityReceived, &l.QuantityAvailable, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if expiry.Valid {
			l.ExpiryDate = &expiry.String
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// CheckConservation verifies the accounting identity for every lot of a
// material: quantity_received = quantity_available + consumed - corrections.
// Any violation means stock was oversold or mutated outside the engine.
func CheckConservation(q Querier, materialID string) error {
	rows, err := q.Query(`SELECT l.id, l.quantity_received, l.quantity_available,
		COALESCE((SELECT SUM(CAST(c.quantity_used AS NUMERIC)) FROM worksheet_consumptions c WHERE c.lot_id = l.id), 0),
		COALESCE((SELECT SUM(CAST(k.delta AS NUMERIC)) FROM lot_corrections k WHERE k.lot_id = l.id), 0)
		FROM material_lots l WHERE l.material_id = ?`, materialID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var lotID string
		var received, available, consumed, corrections decimal.Decimal
		if err := rows.Scan(&lotID, &received, &available, &consumed, &corrections); err != nil {
			return err
		}
		if !received.Equal(available.Add(consumed).Sub(corrections)) {
			return fmt.Errorf("conservation violated for lot %s: received %s != available %s + consumed %s - corrections %s",
				lotID, received.String(), available.String(), consumed.String(), corrections.String())
		}
	}
	return rows.Err()
}
