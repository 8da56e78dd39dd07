package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends broker lifecycle events (group creation, reclaims) to the
// events table inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Group   string `json:"group,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, topic, group, entryID, actorID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,topic,group_name,entry_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, topic, nullable(group), nullable(entryID), actorID, string(data))
	return err
}

// Latest returns up to n events, newest first, optionally filtered by type.
func Latest(ctx context.Context, db *sql.DB, n int, evtType string) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,topic,COALESCE(group_name,''),COALESCE(entry_id,''),actor_id,payload_json FROM events`
	var args []any
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Topic, &e.Group, &e.EntryID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
