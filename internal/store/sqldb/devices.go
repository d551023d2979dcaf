package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

type deviceStore struct {
	db *DB
}

func (s *deviceStore) Create(ctx context.Context, d *store.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, user_id, display_name, hashed_token, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.UserID, d.DisplayName, d.HashedToken, d.IsActive, d.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *deviceStore) GetByID(ctx context.Context, id string) (*store.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, display_name, hashed_token, is_active, last_seen, created_at
		 FROM devices WHERE id = $1`, id))
}

func (s *deviceStore) GetByHashedToken(ctx context.Context, hash string) (*store.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, display_name, hashed_token, is_active, last_seen, created_at
		 FROM devices WHERE hashed_token = $1 AND is_active`, hash))
}

func (s *deviceStore) ListByUser(ctx context.Context, userID string) ([]store.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, display_name, hashed_token, is_active, last_seen, created_at
		 FROM devices WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []store.Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *deviceStore) Rename(ctx context.Context, id, displayName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET display_name = $1 WHERE id = $2`, displayName, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *deviceStore) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen = $1 WHERE id = $2`, at, id)
	return err
}

func (s *deviceStore) Delete(ctx context.Context, id string) error {
	// Skill rows reference the device; drop them in the same transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE device_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func scanDevice(row *sql.Row) (*store.Device, error) {
	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return d, err
}

func scanDeviceRow(row rowScanner) (*store.Device, error) {
	var d store.Device
	var lastSeen sql.NullTime
	if err := row.Scan(&d.ID, &d.UserID, &d.DisplayName, &d.HashedToken, &d.IsActive, &lastSeen, &d.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return &d, nil
}
