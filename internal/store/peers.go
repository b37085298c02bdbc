package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fedlog/internal/ir"
)

const peerColumns = `peer_pubkey, display_name, endpoint, status, trust_tier, last_known_seq,
	registered_at_us, last_seen_at_us, initiated_by_us`

// InsertPeer stores a new peer record. inserted is false if a record for
// the key already exists; the existing record is left unchanged.
func (s *Store) InsertPeer(ctx context.Context, p ir.Peer) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_pubkey) DO NOTHING
	`,
		p.PublicKey.Hex(),
		p.DisplayName,
		p.Endpoint,
		string(p.Status),
		p.Tier.String(),
		p.LastKnownSeq,
		toMicros(p.RegisteredAt),
		toMicros(p.LastSeenAt),
		boolToInt(p.InitiatedByUs),
	)
	if err != nil {
		return false, fmt.Errorf("insert peer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert peer: %w", err)
	}
	return n > 0, nil
}

// UpdatePeer rewrites the mutable descriptive fields of an existing peer:
// display name, endpoint, status, tier, last seen, initiated_by_us.
// The cursor is only changed through AdvanceCursor.
func (s *Store) UpdatePeer(ctx context.Context, p ir.Peer) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers
		SET display_name = ?, endpoint = ?, status = ?, trust_tier = ?,
		    last_seen_at_us = ?, initiated_by_us = ?
		WHERE peer_pubkey = ?
	`,
		p.DisplayName,
		p.Endpoint,
		string(p.Status),
		p.Tier.String(),
		toMicros(p.LastSeenAt),
		boolToInt(p.InitiatedByUs),
		p.PublicKey.Hex(),
	)
	if err != nil {
		return fmt.Errorf("update peer: %w", err)
	}
	return requireRow(res, "update peer", p.PublicKey)
}

// AdvanceCursor raises last_known_seq to seq. A seq at or below the
// stored value is a no-op; advanced reports whether the row changed.
func (s *Store) AdvanceCursor(ctx context.Context, key ir.PublicKey, seq int64) (advanced bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET last_known_seq = ?
		WHERE peer_pubkey = ? AND last_known_seq < ?
	`, seq, key.Hex(), seq)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return n > 0, nil
}

// TouchPeer records contact with the peer at t.
func (s *Store) TouchPeer(ctx context.Context, key ir.PublicKey, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE peers SET last_seen_at_us = ? WHERE peer_pubkey = ?`,
		toMicros(t), key.Hex())
	if err != nil {
		return fmt.Errorf("touch peer: %w", err)
	}
	return requireRow(res, "touch peer", key)
}

// DeletePeer removes the peer record. Returns ErrNotFound if absent.
func (s *Store) DeletePeer(ctx context.Context, key ir.PublicKey) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE peer_pubkey = ?`, key.Hex())
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return requireRow(res, "delete peer", key)
}

// GetPeer returns the peer record for key, or ErrNotFound.
func (s *Store) GetPeer(ctx context.Context, key ir.PublicKey) (ir.Peer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE peer_pubkey = ?`, key.Hex())
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Peer{}, fmt.Errorf("peer %s: %w", key.Short(), ErrNotFound)
	}
	if err != nil {
		return ir.Peer{}, fmt.Errorf("read peer: %w", err)
	}
	return p, nil
}

// ListPeers returns all peers ordered by registration time, then key.
func (s *Store) ListPeers(ctx context.Context) ([]ir.Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY registered_at_us ASC, peer_pubkey ASC`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := []ir.Peer{}
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("list peers: %w", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// CountPeers returns the number of peers with the given status.
// An empty status counts all peers.
func (s *Store) CountPeers(ctx context.Context, status ir.PeerStatus) (int, error) {
	query := `SELECT COUNT(*) FROM peers`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result, op string, key ir.PublicKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, key.Short(), ErrNotFound)
	}
	return nil
}

func scanPeer(row scanner) (ir.Peer, error) {
	var (
		p          ir.Peer
		key        string
		status     string
		tier       string
		registered int64
		lastSeen   int64
		initiated  int
	)
	if err := row.Scan(&key, &p.DisplayName, &p.Endpoint, &status, &tier, &p.LastKnownSeq,
		&registered, &lastSeen, &initiated); err != nil {
		return ir.Peer{}, err
	}

	pk, err := ir.ParsePublicKey(key)
	if err != nil {
		return ir.Peer{}, err
	}
	t, err := ir.ParseTier(tier)
	if err != nil {
		return ir.Peer{}, err
	}

	p.PublicKey = pk
	p.Status = ir.PeerStatus(status)
	p.Tier = t
	p.RegisteredAt = fromMicros(registered)
	p.LastSeenAt = fromMicros(lastSeen)
	p.InitiatedByUs = initiated != 0
	return p, nil
}
