package changelog

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends audit entries. Entries are written inside the caller's
// transaction so a failed mutation never leaves a stray audit row.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Actor types recorded with each entry.
const (
	ActorUser     = "user"
	ActorWorkflow = "workflow"
	ActorAPI      = "api"
	ActorSystem   = "system"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entityType, entityID, field, oldValue, newValue, actor, actorType string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorType == "" {
		actorType = ActorUser
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO changelog(entity_type,entity_id,field_name,old_value,new_value,actor,actor_type,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		entityType, entityID, field, nullable(oldValue), nullable(newValue), actor, actorType, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
