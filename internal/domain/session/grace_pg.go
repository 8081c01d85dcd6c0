package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcare/medcare/internal/platform/hospital"
)

// pgGraceStore keeps snapshots in the auth_grace table so a restarted
// gateway (or another replica) can restore them. The pool is owned by the
// caller; Close here is a no-op so the DB health endpoint keeps its
// connection.
type pgGraceStore struct {
	pool *pgxpool.Pool
}

func NewPGGraceStore(pool *pgxpool.Pool) GraceStore {
	return &pgGraceStore{pool: pool}
}

func (s *pgGraceStore) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	userJSON, err := json.Marshal(snap.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_grace (session_id, token, user_record, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET token = EXCLUDED.token,
		    user_record = EXCLUDED.user_record,
		    created_at = EXCLUDED.created_at`,
		sessionID, snap.Token, userJSON, snap.Time().UTC())
	if err != nil {
		return fmt.Errorf("save grace snapshot: %w", err)
	}
	return nil
}

func (s *pgGraceStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, user_record, created_at
		FROM auth_grace
		WHERE session_id = $1`, sessionID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load grace snapshot: %w", err)
	}
	return snap, nil
}

func (s *pgGraceStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_grace WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete grace snapshot: %w", err)
	}
	return nil
}

func (s *pgGraceStore) All(ctx context.Context) (map[string]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id, token, user_record, created_at FROM auth_grace`)
	if err != nil {
		return nil, fmt.Errorf("list grace snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Snapshot)
	for rows.Next() {
		var (
			id        string
			token     string
			userJSON  []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &token, &userJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan grace snapshot: %w", err)
		}
		var user hospital.User
		if err := json.Unmarshal(userJSON, &user); err != nil {
			return nil, fmt.Errorf("decode user for session %s: %w", id, err)
		}
		out[id] = Snapshot{Token: token, User: user, Timestamp: createdAt.UnixMilli()}
	}
	return out, rows.Err()
}

func (s *pgGraceStore) Close() error { return nil }

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		token     string
		userJSON  []byte
		createdAt time.Time
	)
	if err := row.Scan(&token, &userJSON, &createdAt); err != nil {
		return Snapshot{}, err
	}
	var user hospital.User
	if err := json.Unmarshal(userJSON, &user); err != nil {
		return Snapshot{}, fmt.Errorf("decode user: %w", err)
	}
	return Snapshot{Token: token, User: user, Timestamp: createdAt.UnixMilli()}, nil
}
