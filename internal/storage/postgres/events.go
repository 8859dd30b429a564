package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

const eventColumns = `seq, id, imei, type, actor, occurred_at, old_state, new_state,
	before, after, reason, payload`

// Append implements ledger.Ledger for events without a device write.
func (s *Store) Append(ctx context.Context, e ledger.Event) (uuid.UUID, error) {
	if err := e.Validate(); err != nil {
		return uuid.Nil, err
	}
	if _, err := insertEvent(ctx, s.pool, e); err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

// History implements ledger.Ledger. The database assigns seq, so ties on
// occurred_at resolve in insertion order.
func (s *Store) History(ctx context.Context, imei string, limit int) ([]ledger.Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+eventColumns+` FROM (
				SELECT `+eventColumns+` FROM device_events WHERE imei = $1
				ORDER BY occurred_at DESC, seq DESC LIMIT $2
			) recent ORDER BY occurred_at, seq`, imei, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+eventColumns+` FROM device_events
			WHERE imei = $1 ORDER BY occurred_at, seq`, imei)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("history %s: %w", imei, err))
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func insertEvent(ctx context.Context, db DBTX, e ledger.Event) (int64, error) {
	before, err := marshalNullable(e.Before)
	if err != nil {
		return 0, err
	}
	after, err := marshalNullable(e.After)
	if err != nil {
		return 0, err
	}
	var payload []byte
	if len(e.Payload) > 0 {
		if payload, err = json.Marshal(e.Payload); err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
	}

	var seq int64
	err = db.QueryRow(ctx, `INSERT INTO device_events
			(id, imei, type, actor, occurred_at, old_state, new_state, before, after, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq`,
		e.ID, e.IMEI, string(e.Type), e.Actor, e.OccurredAt,
		stateText(e.OldState), stateText(e.NewState), before, after, e.Reason, payload,
	).Scan(&seq)
	if err != nil {
		return 0, mapError(fmt.Errorf("insert event %s: %w", e.ID, err))
	}
	return seq, nil
}

func scanEvent(row pgx.Row) (ledger.Event, error) {
	var (
		e                  ledger.Event
		typ                string
		oldState, newState pgtype.Text
		before, after      []byte
		payload            []byte
	)
	err := row.Scan(&e.Seq, &e.ID, &e.IMEI, &typ, &e.Actor, &e.OccurredAt,
		&oldState, &newState, &before, &after, &e.Reason, &payload)
	if err != nil {
		return e, err
	}
	e.Type = ledger.EventType(typ)
	e.OccurredAt = e.OccurredAt.UTC()
	if e.OldState, err = parseNullState(oldState); err != nil {
		return e, err
	}
	if e.NewState, err = parseNullState(newState); err != nil {
		return e, err
	}
	if e.Before, err = unmarshalLocation(before); err != nil {
		return e, err
	}
	if e.After, err = unmarshalLocation(after); err != nil {
		return e, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return e, fmt.Errorf("event %s payload: %w", e.ID, err)
		}
	}
	return e, nil
}

func stateText(s lifecycle.State) pgtype.Text {
	if !s.Valid() {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s.String(), Valid: true}
}

func parseNullState(t pgtype.Text) (lifecycle.State, error) {
	if !t.Valid {
		return 0, nil
	}
	return lifecycle.ParseState(t.String)
}

func marshalNullable(l *ledger.Location) ([]byte, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal location: %w", err)
	}
	return b, nil
}

func unmarshalLocation(b []byte) (*ledger.Location, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var l ledger.Location
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return &l, nil
}
