package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"authgrid.org/internal/engine"
)

// DeadLetterStore parks changes the bridge has exhausted retries on, keeping
// the full change record for manual replay.
type DeadLetterStore struct {
	db *sql.DB
}

// DeadLetters returns the dead-letter side of the store.
func (s *Store) DeadLetters() *DeadLetterStore { return &DeadLetterStore{db: s.db} }

// Store records one abandoned change. Repeat parks of the same change id keep
// the first record and update the cause.
func (d *DeadLetterStore) Store(ctx context.Context, ch engine.Change, cause error) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	causeText := "unknown"
	if cause != nil {
		causeText = cause.Error()
	}
	_, err = d.db.ExecContext(ctx, `
		insert into dead_letters(change_id, kind, payload, cause, parked_at)
		values ($1,$2,$3,$4,$5)
		on conflict (change_id) do update set cause = excluded.cause
	`, ch.ChangeID, ch.Kind, payload, causeText, time.Now().UTC())
	return err
}

// Pending lists parked changes oldest first, for replay tooling.
func (d *DeadLetterStore) Pending(ctx context.Context, limit int) ([]ParkedChange, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		select change_id, kind, payload, cause, parked_at
		from dead_letters order by parked_at asc limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParkedChange
	for rows.Next() {
		var p ParkedChange
		if err := rows.Scan(&p.ChangeID, &p.Kind, &p.Payload, &p.Cause, &p.ParkedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Resolve removes a parked change after a successful manual replay.
func (d *DeadLetterStore) Resolve(ctx context.Context, changeID string) error {
	res, err := d.db.ExecContext(ctx, `delete from dead_letters where change_id=$1`, changeID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ParkedChange is one dead-lettered change as stored.
type ParkedChange struct {
	ChangeID string          `json:"change_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Cause    string          `json:"cause"`
	ParkedAt time.Time       `json:"parked_at"`
}
