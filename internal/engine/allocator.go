package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so plans can be proposed
// as a read-only preview outside a transaction or inside the orchestrator's.
type Querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// PlanLine is one lot draw in an allocation plan.
type PlanLine struct {
	LotID     string          `json:"lot_id"`
	LotNumber string          `json:"lot_number"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Plan is an ordered, lot-by-lot proposal to satisfy one material requirement.
// The line quantities sum to Requested. A plan has no side effects until
// applied inside a transaction.
type Plan struct {
	MaterialID string          `json:"material_id"`
	Requested  decimal.Decimal `json:"requested"`
	Lines      []PlanLine      `json:"lines"`
}

// Propose selects lots to satisfy need in strict FIFO order: AVAILABLE,
// unexpired lots ordered by arrival date, ties broken by lot number. The
// ordering is a deterministic total order, so identical stock state always
// yields an identical plan. Fails with InsufficientStockError if the eligible
// lots cannot cover need; nothing is modified either way.
func Propose(q Querier, materialID string, need decimal.Decimal, asOf time.Time) (*Plan, error) {
	if need.Sign() <= 0 {
		return nil, fmt.Errorf("allocation quantity must be positive, got %s", need.String())
	}

	today := asOf.Format("2006-01-02")
	rows, err := q.Query(`SELECT id, lot_number, quantity_available FROM material_lots
		WHERE material_id = ? AND status = ? AND (expiry_date IS NULL OR expiry_date > ?)
		ORDER BY arrival_date ASC, lot_number ASC`,
		materialID, LotAvailable, today)
	if err != nil {
		return nil, fmt.Errorf("fetch lots for %s: %w", materialID, err)
	}
	defer rows.Close()

	plan := &Plan{MaterialID: materialID, Requested: need}
	remaining := need
	available := decimal.Zero
	for rows.Next() {
		var id, lotNumber string
		var avail decimal.Decimal
		if err := rows.Scan(&id, &lotNumber, &avail); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		if avail.Sign() <= 0 {
			continue
		}
		available = available.Add(avail)
		if remaining.Sign() <= 0 {
			continue
		}
		take := decimal.Min(avail, remaining)
		plan.Lines = append(plan.Lines, PlanLine{LotID: id, LotNumber: lotNumber, Quantity: take})
		remaining = remaining.Sub(take)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}

	if remaining.Sign() > 0 {
		return nil, &InsufficientStockError{MaterialID: materialID, Requested: need, Available: available}
	}
	return plan, nil
}

// Apply decrements each planned lot inside tx, flipping a lot to DEPLETED
// when it reaches zero. Every lot is re-validated first: a lot that expired,
// was recalled, or was drained between propose and apply fails the whole
// apply with StaleLotError. A plan is never partially applied by the caller;
// the orchestrator rolls back the enclosing transaction on any error.
func Apply(tx *sql.Tx, plan *Plan, asOf time.Time) error {
	today := asOf.Format("2006-01-02")
	now := asOf.Format("2006-01-02 15:04:05")
	for _, line := range plan.Lines {
		var status string
		var expiry sql.NullString
		var avail decimal.Decimal
		err := tx.QueryRow(`SELECT status, expiry_date, quantity_available FROM material_lots WHERE id = ?`, line.LotID).
			Scan(&status, &expiry, &avail)
		if err != nil {
			return &StaleLotError{LotID: line.LotID, Reason: "lot not found"}
		}
		if status != LotAvailable {
			return &StaleLotError{LotID: line.LotID, Reason: "status is " + status}
		}
		if expiry.Valid && expiry.String <= today {
			return &StaleLotError{LotID: line.LotID, Reason: "expired " + expiry.String}
		}
		if avail.LessThan(line.Quantity) {
			return &StaleLotError{LotID: line.LotID, Reason: fmt.Sprintf("only %s available, plan needs %s", avail.String(), line.Quantity.String())}
		}

		newAvail := avail.Sub(line.Quantity)
		newStatus := LotAvailable
		if newAvail.Sign() == 0 {
			newStatus = LotDepleted
		}
		if _, err := tx.Exec(`UPDATE material_lots SET quantity_available = ?, status = ?, updated_at = ? WHERE id = ?`,
			newAvail, newStatus, now, line.LotID); err != nil {
			return fmt.Errorf("decrement lot %s: %w", line.LotID, err)
		}
	}
	return nil
}
