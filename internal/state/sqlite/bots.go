package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"tradeguard-bot/internal/registry"

	"github.com/goccy/go-json"
)

func (s *Store) PutBot(ctx context.Context, rec registry.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO bots (id, owner_id, archived, created_at_ms, record) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, archived = excluded.archived, record = excluded.record`,
		rec.ID(), rec.OwnerID(), rec.Archived, rec.CreatedAt.UnixMilli(), string(payload))
	return err
}

func (s *Store) GetBot(ctx context.Context, id string) (registry.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM bots WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Record{}, registry.ErrNotFound
		}
		return registry.Record{}, err
	}
	var rec registry.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return registry.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListBots(ctx context.Context, ownerID string) ([]registry.Record, error) {
	query := `SELECT record FROM bots WHERE archived = 0 ORDER BY created_at_ms, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT record FROM bots WHERE archived = 0 AND owner_id = ? ORDER BY created_at_ms, id`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]registry.Record, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec registry.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
