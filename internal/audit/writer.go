package audit

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends audit records inside the caller's transaction. A failed
// append fails the whole unit of work: no state change commits without its
// audit trail.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry describes one state change.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	Before     string
	After      string
	Actor      string
	Reason     string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	at := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_records(entity_type,entity_id,action,before_value,after_value,actor,reason,at) VALUES (?,?,?,?,?,?,?,?)`,
		e.EntityType, e.EntityID, e.Action, nullable(e.Before), nullable(e.After), e.Actor, nullable(e.Reason), at)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
