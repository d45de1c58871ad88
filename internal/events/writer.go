package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Audit event types.
const (
	TypeOptionsSet     = "options.set"
	TypeOptionsDeleted = "options.deleted"
	TypeIssueCreated   = "issue.created"
	TypeIssueLinked    = "issue.linked"
	TypeIssueUnlinked  = "issue.unlinked"
	TypeAPIKeyCreated  = "apikey.created"
	TypeAPIKeyDeleted  = "apikey.deleted"
)

type Writer struct {
	DB  *sqlx.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx. Events are only ever written alongside
// the change they describe.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
