package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fedlog/internal/ir"
)

const eventColumns = `local_seq, event_id, origin_pubkey, hlc_physical_us, hlc_counter, hlc_node,
	payload_kind, payload_version, payload_body, signature`

// AppendEvent inserts ev and returns its assigned local_seq.
// Uses ON CONFLICT(event_id) DO NOTHING: for an already stored event,
// inserted is false and seq is the existing row's local_seq.
//
// ev.LocalSeq is ignored; the store assigns sequence numbers.
func (s *Store) AppendEvent(ctx context.Context, ev ir.Event, receivedAt time.Time) (seq int64, inserted bool, err error) {
	body, err := marshalBody(ev.Payload.Body)
	if err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events
		(event_id, origin_pubkey, hlc_physical_us, hlc_counter, hlc_node,
		 payload_kind, payload_version, payload_body, signature, received_at_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`,
		ev.ID,
		ev.Origin.Hex(),
		ev.HLC.PhysicalUS,
		int64(ev.HLC.Counter),
		ev.HLC.Node.String(),
		string(ev.Payload.Kind),
		ev.Payload.Version,
		body,
		[]byte(ev.Signature),
		toMicros(receivedAt),
	)
	if err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}
	if n == 0 {
		existing, err := s.eventSeq(ctx, ev.ID)
		if err != nil {
			return 0, false, fmt.Errorf("append event: %w", err)
		}
		return existing, false, nil
	}

	seq, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}
	return seq, true, nil
}

// HasEvent reports whether an event with id is stored.
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return true, nil
}

// EventByID returns the stored event with id, or ErrNotFound.
func (s *Store) EventByID(ctx context.Context, id string) (ir.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Event{}, fmt.Errorf("read event: %w", err)
	}
	return ev, nil
}

// EventsSince returns events with local_seq > since ordered by local_seq
// ascending. limit <= 0 means no limit.
func (s *Store) EventsSince(ctx context.Context, since int64, limit int) ([]ir.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE local_seq > ? ORDER BY local_seq ASC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, "events since", query, args...)
}

// EventsByOrigin returns events from origin whose HLC is after the given
// timestamp, in HLC order. A zero after returns the origin's full history.
func (s *Store) EventsByOrigin(ctx context.Context, origin ir.PublicKey, after ir.Timestamp, limit int) ([]ir.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE origin_pubkey = ?
		  AND (hlc_physical_us > ? OR (hlc_physical_us = ? AND hlc_counter > ?))
		ORDER BY hlc_physical_us ASC, hlc_counter ASC`
	args := []any{origin.Hex(), after.PhysicalUS, after.PhysicalUS, int64(after.Counter)}
	if after.IsZero() {
		query = `SELECT ` + eventColumns + ` FROM events
			WHERE origin_pubkey = ?
			ORDER BY hlc_physical_us ASC, hlc_counter ASC`
		args = []any{origin.Hex()}
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, "events by origin", query, args...)
}

// HeadSeq returns the highest assigned local_seq, 0 for an empty log.
func (s *Store) HeadSeq(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(local_seq) FROM events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("head seq: %w", err)
	}
	return head.Int64, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// MaxHLC returns the greatest (physical, counter) pair in the log across
// all origins. The node component is left zero.
func (s *Store) MaxHLC(ctx context.Context) (ir.Timestamp, error) {
	var phys, counter int64
	err := s.db.QueryRowContext(ctx, `
		SELECT hlc_physical_us, hlc_counter FROM events
		ORDER BY hlc_physical_us DESC, hlc_counter DESC
		LIMIT 1
	`).Scan(&phys, &counter)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Timestamp{}, nil
	}
	if err != nil {
		return ir.Timestamp{}, fmt.Errorf("max hlc: %w", err)
	}
	return ir.Timestamp{PhysicalUS: phys, Counter: uint32(counter)}, nil
}

func (s *Store) eventSeq(ctx context.Context, id string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT local_seq FROM events WHERE event_id = ?`, id).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...any) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (ir.Event, error) {
	var (
		ev      ir.Event
		origin  string
		counter int64
		node    string
		kind    string
		body    string
		sig     []byte
	)
	if err := row.Scan(&ev.LocalSeq, &ev.ID, &origin, &ev.HLC.PhysicalUS, &counter, &node,
		&kind, &ev.Payload.Version, &body, &sig); err != nil {
		return ir.Event{}, err
	}

	pk, err := ir.ParsePublicKey(origin)
	if err != nil {
		return ir.Event{}, err
	}
	nodeID, err := ir.ParseNodeID(node)
	if err != nil {
		return ir.Event{}, err
	}
	payloadBody, err := unmarshalBody(body)
	if err != nil {
		return ir.Event{}, err
	}

	ev.Origin = pk
	ev.HLC.Counter = uint32(counter)
	ev.HLC.Node = nodeID
	ev.Payload.Kind = ir.Kind(kind)
	ev.Payload.Body = payloadBody
	ev.Signature = ir.Signature(sig)
	return ev, nil
}
