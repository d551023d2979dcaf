package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

type skillStore struct {
	db *DB
}

// Replace implements idempotent full replacement: the device's previous
// rows go away and the new set lands in one transaction, so a crashed
// register never leaves a partial skill set behind.
func (s *skillStore) Replace(ctx context.Context, deviceID string, skills []store.Skill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	for _, sk := range skills {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO skills (id, device_id, class_name, method_name, signature, docstring, class_summary, last_heartbeat, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sk.ID, deviceID, sk.ClassName, sk.MethodName, sk.Signature, sk.Docstring, sk.ClassSummary, sk.LastHeartbeat, sk.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *skillStore) ListByDevice(ctx context.Context, deviceID string) ([]store.Skill, error) {
	return s.query(ctx,
		`SELECT id, device_id, class_name, method_name, signature, docstring, class_summary, last_heartbeat, created_at
		 FROM skills WHERE device_id = $1 ORDER BY class_name, method_name`, deviceID)
}

// ListByUser returns fresh skill rows across all of the user's devices.
// Stale rows (heartbeat before freshSince) are filtered at read time; the
// sweeper removes them later.
func (s *skillStore) ListByUser(ctx context.Context, userID string, freshSince time.Time) ([]store.Skill, error) {
	return s.query(ctx,
		`SELECT sk.id, sk.device_id, sk.class_name, sk.method_name, sk.signature, sk.docstring, sk.class_summary, sk.last_heartbeat, sk.created_at
		 FROM skills sk
		 JOIN devices d ON d.id = sk.device_id
		 WHERE d.user_id = $1 AND d.is_active AND sk.last_heartbeat >= $2
		 ORDER BY sk.class_name, sk.method_name`, userID, freshSince)
}

func (s *skillStore) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET last_heartbeat = $1 WHERE device_id = $2`, at, deviceID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *skillStore) DeleteStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM skills WHERE last_heartbeat < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *skillStore) DeleteByDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE device_id = $1`, deviceID)
	return err
}

func (s *skillStore) query(ctx context.Context, q string, args ...any) ([]store.Skill, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skills []store.Skill
	for rows.Next() {
		var sk store.Skill
		var doc, summary sql.NullString
		if err := rows.Scan(&sk.ID, &sk.DeviceID, &sk.ClassName, &sk.MethodName, &sk.Signature, &doc, &summary, &sk.LastHeartbeat, &sk.CreatedAt); err != nil {
			return nil, err
		}
		sk.Docstring = doc.String
		sk.ClassSummary = summary.String
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}
