package engine

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"denlab/internal/models"
)

// DocumentRequester enqueues generation of the Annex XIII compliance document
// for a worksheet. Best-effort: the orchestrator only enqueues, never waits,
// and an enqueue failure never rolls back a committed transition.
type DocumentRequester interface {
	RequestGeneration(worksheetID, locale string) error
}

// TransitionRequest is one request to move a worksheet to a new status.
type TransitionRequest struct {
	WorksheetID string
	Target      Status
	Actor       string
	Role        Role
	Notes       string
}

// Orchestrator composes the state machine and the FIFO allocator inside a
// single transaction per transition. Collaborators are injected so the engine
// is unit-testable without the HTTP layer.
type Orchestrator struct {
	DB     *sql.DB
	Docs   DocumentRequester
	Locale string
	// Now is the clock; tests override it to pin expiry decisions.
	Now func() time.Time
	// Broadcast pushes a live event after a committed transition. Optional.
	Broadcast func(entityType string, id interface{}, action string)
}

// orderStatusFor maps a worksheet transition to the status reflected onto the
// parent order. A cancelled or voided worksheet sends the order back to
// pending so a new worksheet can pick it up.
var orderStatusFor = map[Status]string{
	StatusInProduction: "in_progress",
	StatusDelivered:    "completed",
	StatusCancelled:    "pending",
	StatusVoided:       "pending",
}

// Transition executes one worksheet status change as an all-or-nothing unit
// of work: state machine check, material allocation on production entry,
// status persistence with an optimistic guard, audit entries, and order
// status reflection. On any failure before commit the transaction rolls back
// and no partial state survives.
func (o *Orchestrator) Transition(req TransitionRequest) (*models.Worksheet, error) {
	if !req.Target.Valid() {
		return nil, &InvalidTransitionError{To: req.Target, Role: req.Role,
			Reason: fmt.Sprintf("unknown status %q", req.Target)}
	}

	now := o.Now()
	tx, err := o.DB.Begin()
	if err != nil {
		if isBusy(err) {
			return nil, &ConcurrentModificationError{WorksheetID: req.WorksheetID}
		}
		return nil, err
	}
	defer tx.Rollback()

	ws, err := loadWorksheet(tx, req.WorksheetID)
	if err != nil {
		return nil, err
	}
	from := Status(ws.Status)

	if d := CanTransition(from, req.Target, req.Role); !d.Allowed {
		return nil, &InvalidTransitionError{From: from, To: req.Target, Role: req.Role, Reason: d.Reason}
	}
	if req.Target == StatusQCRejected && strings.TrimSpace(req.Notes) == "" {
		return nil, ErrNotesRequired
	}

	// Materials are consumed exactly once, on the DRAFT -> IN_PRODUCTION
	// edge. Rework after a QC rejection re-enters production without
	// drawing stock again.
	if from == StatusDraft && req.Target == StatusInProduction {
		if err := o.consumeMaterials(tx, ws, req.Actor, now); err != nil {
			return nil, err
		}
	}

	nowStr := now.Format("2006-01-02 15:04:05")
	rejectionNotes := ws.RejectionNotes
	if req.Target == StatusQCRejected {
		rejectionNotes = req.Notes
	}
	res, err := tx.Exec(`UPDATE worksheets SET status = ?, rejection_notes = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(req.Target), rejectionNotes, nowStr, ws.ID, ws.Status)
	if err != nil {
		if isBusy(err) {
			return nil, &ConcurrentModificationError{WorksheetID: ws.ID}
		}
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Someone committed between our read and write. Only possible
		// when the DB handle is not running immediate transactions.
		return nil, &ConcurrentModificationError{WorksheetID: ws.ID}
	}

	if err := RecordAudit(tx, AuditRecord{
		Actor:      req.Actor,
		Action:     ActionTransition,
		EntityType: "worksheet",
		EntityID:   ws.ID,
		Summary:    fmt.Sprintf("Worksheet %s: %s -> %s", ws.ID, from, req.Target),
		Before:     statusSnapshot{Status: from, Revision: ws.Revision},
		After:      statusSnapshot{Status: req.Target, Revision: ws.Revision},
		Reason:     req.Notes,
	}); err != nil {
		return nil, err
	}

	if orderStatus, ok := orderStatusFor[req.Target]; ok {
		if err := setOrderStatus(tx, ws.OrderID, orderStatus, nowStr); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return nil, &ConcurrentModificationError{WorksheetID: ws.ID}
		}
		return nil, err
	}

	// Post-commit side effects. The business transition outranks the
	// document, which can be regenerated; enqueue failures are logged and
	// picked up by the compliance worker's reconciliation pass.
	if req.Target == StatusQCApproved && o.Docs != nil {
		if err := o.Docs.RequestGeneration(ws.ID, o.Locale); err != nil {
			log.Printf("compliance: enqueue for %s failed, reconciler will retry: %v", ws.ID, err)
		}
	}
	if o.Broadcast != nil {
		o.Broadcast("worksheet", ws.ID, "transition")
	}

	ws.Status = string(req.Target)
	ws.RejectionNotes = rejectionNotes
	ws.UpdatedAt = nowStr
	return ws, nil
}

// consumeMaterials proposes a plan for every requirement before applying any
// of them. If a single requirement cannot be satisfied, no lot is touched:
// the transaction aborts with the allocation error.
func (o *Orchestrator) consumeMaterials(tx *sql.Tx, ws *models.Worksheet, actor string, now time.Time) error {
	reqs, err := loadRequirements(tx, ws.ID)
	if err != nil {
		return err
	}

	plans := make([]*Plan, 0, len(reqs))
	for _, r := range reqs {
		plan, err := Propose(tx, r.MaterialID, r.Quantity, now)
		if err != nil {
			return err
		}
		plans = append(plans, plan)
	}

	nowStr := now.Format("2006-01-02 15:04:05")
	for _, plan := range plans {
		if err := Apply(tx, plan, now); err != nil {
			return err
		}
		for _, line := range plan.Lines {
			if _, err := tx.Exec(`INSERT INTO worksheet_consumptions (worksheet_id, lot_id, quantity_used, created_at)
				VALUES (?, ?, ?, ?)`, ws.ID, line.LotID, line.Quantity, nowStr); err != nil {
				return fmt.Errorf("record consumption: %w", err)
			}
			if err := RecordAudit(tx, AuditRecord{
				Actor:      actor,
				Action:     ActionConsume,
				EntityType: "material_lot",
				EntityID:   line.LotID,
				Summary: fmt.Sprintf("Worksheet %s consumed %s from lot %s (%s)",
					ws.ID, line.Quantity.String(), line.LotNumber, plan.MaterialID),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Preview proposes allocation plans for every requirement of a worksheet
// without touching anything: the "can this be produced today?" read path.
func (o *Orchestrator) Preview(worksheetID string) ([]*Plan, error) {
	reqs, err := loadRequirements(o.DB, worksheetID)
	if err != nil {
		return nil, err
	}
	now := o.Now()
	plans := make([]*Plan, 0, len(reqs))
	for _, r := range reqs {
		plan, err := Propose(o.DB, r.MaterialID, r.Quantity, now)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func loadWorksheet(q Querier, id string) (*models.Worksheet, error) {
	var ws models.Worksheet
	err := q.QueryRow(`SELECT id, order_id, revision, status, COALESCE(device_description,''),
		COALESCE(rejection_notes,''), COALESCE(created_by,''), created_at, updated_at
		FROM worksheets WHERE id = ?`, id).
		Scan(&ws.ID, &ws.OrderID, &ws.Revision, &ws.Status, &ws.DeviceDescription,
			&ws.RejectionNotes, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorksheetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func loadRequirements(q Querier, worksheetID string) ([]models.WorksheetRequirement, error) {
	rows, err := q.Query(`SELECT id, worksheet_id, material_id, quantity FROM worksheet_requirements
		WHERE worksheet_id = ? ORDER BY id`, worksheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reqs []models.WorksheetRequirement
	for rows.Next() {
		var r models.WorksheetRequirement
		var qty decimal.Decimal
		if err := rows.Scan(&r.ID, &r.WorksheetID, &r.MaterialID, &qty); err != nil {
			return nil, err
		}
		r.Quantity = qty
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func setOrderStatus(tx *sql.Tx, orderID, status, now string) error {
	_, err := tx.Exec(`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, status, now, orderID)
	if err != nil {
		return fmt.Errorf("reflect order status: %w", err)
	}
	return nil
}
