package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MRamiBalles/devjails/internal/domain/keys"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
)

// SQLiteGateway implements Gateway on a single SQLite database.
type SQLiteGateway struct {
	db *sql.DB
}

func NewSQLiteGateway(db *sql.DB) *SQLiteGateway {
	return &SQLiteGateway{db: db}
}

func (r *SQLiteGateway) Backend() string { return "sqlite" }

func (r *SQLiteGateway) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteGateway) Close() error {
	return r.db.Close()
}

func (r *SQLiteGateway) exec(ctx context.Context, query string, args ...any) error {
	return retryOp(ctx, defaultRetryConfig, func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
}

// keysOf lists a key column in rowid order, which is insertion order for
// rows that were upserted in place.
func (r *SQLiteGateway) keysOf(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func notFound(what, key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errclass.ErrNotFound.WithMessagef("%s %q not found", what, key)
	}
	return fmt.Errorf("failed to load %s %q: %w", what, key, err)
}

// --- jails ---

func (r *SQLiteGateway) SaveJail(ctx context.Context, rec JailRecord) error {
	query := `
		INSERT INTO jails (name_key, name, world, x, y, z, yaw, pitch, area_binding, area_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name_key) DO UPDATE SET
			name = excluded.name,
			world = excluded.world,
			x = excluded.x,
			y = excluded.y,
			z = excluded.z,
			yaw = excluded.yaw,
			pitch = excluded.pitch,
			area_binding = excluded.area_binding,
			area_ref = excluded.area_ref
	`
	s := rec.Spawn
	if err := r.exec(ctx, query,
		keys.Fold(rec.Name), rec.Name, s.World, s.X, s.Y, s.Z, s.Yaw, s.Pitch,
		rec.AreaBinding, rec.AreaRef,
	); err != nil {
		return fmt.Errorf("failed to save jail %q: %w", rec.Name, err)
	}
	return nil
}

func (r *SQLiteGateway) LoadJail(ctx context.Context, key string) (*JailRecord, error) {
	query := `SELECT name, world, x, y, z, yaw, pitch, area_binding, area_ref FROM jails WHERE name_key = ?`
	var rec JailRecord
	s := &rec.Spawn
	err := r.db.QueryRowContext(ctx, query, keys.Fold(key)).Scan(
		&rec.Name, &s.World, &s.X, &s.Y, &s.Z, &s.Yaw, &s.Pitch, &rec.AreaBinding, &rec.AreaRef,
	)
	if err != nil {
		return nil, notFound("jail", key, err)
	}
	return &rec, nil
}

func (r *SQLiteGateway) RemoveJail(ctx context.Context, key string) error {
	return r.exec(ctx, `DELETE FROM jails WHERE name_key = ?`, keys.Fold(key))
}

func (r *SQLiteGateway) JailKeys(ctx context.Context) ([]string, error) {
	return r.keysOf(ctx, `SELECT name_key FROM jails ORDER BY rowid ASC`)
}

// --- areas ---

func (r *SQLiteGateway) SaveArea(ctx context.Context, rec AreaRecord) error {
	query := `
		INSERT INTO areas (name_key, name, world, min_x, min_y, min_z, max_x, max_y, max_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name_key) DO UPDATE SET
			name = excluded.name,
			world = excluded.world,
			min_x = excluded.min_x,
			min_y = excluded.min_y,
			min_z = excluded.min_z,
			max_x = excluded.max_x,
			max_y = excluded.max_y,
			max_z = excluded.max_z
	`
	if err := r.exec(ctx, query,
		keys.Fold(rec.Name), rec.Name, rec.World,
		rec.MinX, rec.MinY, rec.MinZ, rec.MaxX, rec.MaxY, rec.MaxZ,
	); err != nil {
		return fmt.Errorf("failed to save area %q: %w", rec.Name, err)
	}
	return nil
}

func (r *SQLiteGateway) LoadArea(ctx context.Context, key string) (*AreaRecord, error) {
	query := `SELECT name, world, min_x, min_y, min_z, max_x, max_y, max_z FROM areas WHERE name_key = ?`
	var rec AreaRecord
	err := r.db.QueryRowContext(ctx, query, keys.Fold(key)).Scan(
		&rec.Name, &rec.World, &rec.MinX, &rec.MinY, &rec.MinZ, &rec.MaxX, &rec.MaxY, &rec.MaxZ,
	)
	if err != nil {
		return nil, notFound("area", key, err)
	}
	return &rec, nil
}

func (r *SQLiteGateway) RemoveArea(ctx context.Context, key string) error {
	return r.exec(ctx, `DELETE FROM areas WHERE name_key = ?`, keys.Fold(key))
}

func (r *SQLiteGateway) AreaKeys(ctx context.Context) ([]string, error) {
	return r.keysOf(ctx, `SELECT name_key FROM areas ORDER BY rowid ASC`)
}

// --- prisoners ---

func (r *SQLiteGateway) SavePrisoner(ctx context.Context, rec PrisonerRecord) error {
	query := `
		INSERT INTO prisoners (
			subject_id, jail_name, reason, staff, start_time, end_time,
			bail_amount, bail_enabled, restrained, release_spawn,
			orig_world, orig_x, orig_y, orig_z, orig_yaw, orig_pitch, served_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			jail_name = excluded.jail_name,
			reason = excluded.reason,
			staff = excluded.staff,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			bail_amount = excluded.bail_amount,
			bail_enabled = excluded.bail_enabled,
			restrained = excluded.restrained,
			release_spawn = excluded.release_spawn,
			orig_world = excluded.orig_world,
			orig_x = excluded.orig_x,
			orig_y = excluded.orig_y,
			orig_z = excluded.orig_z,
			orig_yaw = excluded.orig_yaw,
			orig_pitch = excluded.orig_pitch,
			served_ms = excluded.served_ms
	`
	var (
		origWorld           sql.NullString
		origX, origY, origZ sql.NullFloat64
		origYaw, origPitch  sql.NullFloat64
		endTime             sql.NullInt64
		bail                sql.NullFloat64
	)
	if rec.EndEpoch != nil {
		endTime = sql.NullInt64{Int64: *rec.EndEpoch, Valid: true}
	}
	if rec.BailAmount != nil {
		bail = sql.NullFloat64{Float64: *rec.BailAmount, Valid: true}
	}
	if o := rec.OriginalLocation; o != nil {
		origWorld = sql.NullString{String: o.World, Valid: true}
		origX = sql.NullFloat64{Float64: o.X, Valid: true}
		origY = sql.NullFloat64{Float64: o.Y, Valid: true}
		origZ = sql.NullFloat64{Float64: o.Z, Valid: true}
		origYaw = sql.NullFloat64{Float64: float64(o.Yaw), Valid: true}
		origPitch = sql.NullFloat64{Float64: float64(o.Pitch), Valid: true}
	}

	if err := r.exec(ctx, query,
		rec.SubjectID, rec.JailName, rec.Reason, rec.Staff, rec.StartEpoch, endTime,
		bail, rec.BailEnabled, rec.Restrained, rec.ReleaseSpawn,
		origWorld, origX, origY, origZ, origYaw, origPitch, rec.ServedMillis,
	); err != nil {
		return fmt.Errorf("failed to save prisoner %s: %w", rec.SubjectID, err)
	}
	return nil
}

func (r *SQLiteGateway) LoadPrisoner(ctx context.Context, subjectID string) (*PrisonerRecord, error) {
	query := `
		SELECT subject_id, jail_name, reason, staff, start_time, end_time,
			bail_amount, bail_enabled, restrained, release_spawn,
			orig_world, orig_x, orig_y, orig_z, orig_yaw, orig_pitch, served_ms
		FROM prisoners WHERE subject_id = ?
	`
	var (
		rec                 PrisonerRecord
		endTime             sql.NullInt64
		bail                sql.NullFloat64
		origWorld           sql.NullString
		origX, origY, origZ sql.NullFloat64
		origYaw, origPitch  sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(
		&rec.SubjectID, &rec.JailName, &rec.Reason, &rec.Staff, &rec.StartEpoch, &endTime,
		&bail, &rec.BailEnabled, &rec.Restrained, &rec.ReleaseSpawn,
		&origWorld, &origX, &origY, &origZ, &origYaw, &origPitch, &rec.ServedMillis,
	)
	if err != nil {
		return nil, notFound("prisoner", subjectID, err)
	}

	if endTime.Valid {
		v := endTime.Int64
		rec.EndEpoch = &v
	}
	if bail.Valid {
		v := bail.Float64
		rec.BailAmount = &v
	}
	if origWorld.Valid {
		rec.OriginalLocation = &LocationRecord{
			World: origWorld.String,
			X:     origX.Float64,
			Y:     origY.Float64,
			Z:     origZ.Float64,
			Yaw:   float32(origYaw.Float64),
			Pitch: float32(origPitch.Float64),
		}
	}
	return &rec, nil
}

func (r *SQLiteGateway) RemovePrisoner(ctx context.Context, subjectID string) error {
	return r.exec(ctx, `DELETE FROM prisoners WHERE subject_id = ?`, subjectID)
}

func (r *SQLiteGateway) PrisonerKeys(ctx context.Context) ([]string, error) {
	return r.keysOf(ctx, `SELECT subject_id FROM prisoners ORDER BY rowid ASC`)
}
