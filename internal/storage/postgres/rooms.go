package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/storage"
)

// Load returns the latest snapshot of roomID.
//
// Postcondition: Returns storage.ErrNotFound if the room was never saved.
func (s *Store) Load(ctx context.Context, roomID string) (room.Record, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT record FROM rooms WHERE id = $1`, roomID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return room.Record{}, storage.ErrNotFound
		}
		return room.Record{}, fmt.Errorf("querying room %s: %w", roomID, err)
	}
	var rec room.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return room.Record{}, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	return rec, nil
}

// Save replaces the snapshot of roomID.
func (s *Store) Save(ctx context.Context, roomID string, rec room.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", roomID, err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO rooms (id, owner_id, game_state, message_count, record, saved_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id,
		   game_state = EXCLUDED.game_state,
		   message_count = EXCLUDED.message_count,
		   record = EXCLUDED.record,
		   saved_at = EXCLUDED.saved_at`,
		roomID, rec.OwnerID, string(rec.GameState), len(rec.Messages), doc,
	)
	if err != nil {
		return fmt.Errorf("saving room %s: %w", roomID, err)
	}
	return nil
}
