package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// InvalidTransitionError means the requested transition is not in the graph,
// or the actor's role may not take it. Never retried.
type InvalidTransitionError struct {
	From, To Status
	Role     Role
	Reason   string
}

func (e *InvalidTransitionError) Error() string { return e.Reason }

// InsufficientStockError means an allocation request could not be fully
// satisfied. Nothing was consumed.
type InsufficientStockError struct {
	MaterialID string
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for material %s: requested %s, available %s",
		e.MaterialID, e.Requested.String(), e.Available.String())
}

// StaleLotError means a lot named in an allocation plan became invalid
// (expired, recalled, or drained) between proposal and apply. The whole
// transition aborts; the caller retries with a fresh proposal.
type StaleLotError struct {
	LotID  string
	Reason string
}

func (e *StaleLotError) Error() string {
	return fmt.Sprintf("lot %s is no longer allocatable: %s", e.LotID, e.Reason)
}

// ConcurrentModificationError means another transition committed first. The
// caller may retry from scratch.
type ConcurrentModificationError struct {
	WorksheetID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("worksheet %s was modified concurrently, retry the transition", e.WorksheetID)
}

// ErrNotesRequired gates the QC_PENDING -> QC_REJECTED edge.
var ErrNotesRequired = errors.New("rejection notes are required")

// ErrWorksheetNotFound is returned when the worksheet row does not exist.
var ErrWorksheetNotFound = errors.New("worksheet not found")

// isBusy reports whether err is an SQLite lock contention error. The driver
// does not export a typed error for this, so match on the message.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
