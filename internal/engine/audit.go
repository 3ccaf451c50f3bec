package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Audit action constants.
const (
	ActionCreate     = "CREATE"
	ActionUpdate     = "UPDATE"
	ActionTransition = "TRANSITION"
	ActionConsume    = "CONSUME"
	ActionReceive    = "RECEIVE"
	ActionRecall     = "RECALL"
	ActionCorrect    = "CORRECT"
	ActionExport     = "EXPORT"
	ActionLogin      = "LOGIN"
	ActionLogout     = "LOGOUT"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so audit entries can be
// written inside the orchestrator's transaction or standalone.
type Execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// AuditRecord is one logical change to record. Before and After are
// marshalled to JSON snapshots; Reason carries the mandatory free-text
// explanation on rejections.
type AuditRecord struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Summary    string
	Before     interface{}
	After      interface{}
	Reason     string
}

// RecordAudit appends one entry to the audit log. The audit_log table has no
// update or delete path anywhere in the codebase; entries written inside a
// transaction vanish with it on rollback, which keeps the trail consistent
// with the state it describes.
func RecordAudit(e Execer, rec AuditRecord) error {
	var before, after []byte
	if rec.Before != nil {
		before, _ = json.Marshal(rec.Before)
	}
	if rec.After != nil {
		after, _ = json.Marshal(rec.After)
	}
	_, err := e.Exec(`INSERT INTO audit_log (actor, action, entity_type, entity_id, summary, before_value, after_value, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Actor, rec.Action, rec.EntityType, rec.EntityID, rec.Summary, string(before), string(after), rec.Reason)
	if err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	return nil
}

// statusSnapshot is the before/after payload recorded for transitions.
type statusSnapshot struct {
	Status   Status `json:"status"`
	Revision int    `json:"revision"`
}
