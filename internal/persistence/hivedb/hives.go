package hivedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hexhive.ai/internal/hive"
)

// UpsertHive seeds or refreshes a configured hive row. Population is left
// alone on refresh; it belongs to the assignment/migration paths.
func (s *Store) UpsertHive(ctx context.Context, h hive.Hive) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hives(id,name,lat,lon,capacity,status,population) VALUES(?,?,?,?,?,?,0)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, lat=excluded.lat, lon=excluded.lon,
		   capacity=excluded.capacity, status=excluded.status`,
		h.ID, h.Name, h.Lat, h.Lon, h.Capacity, string(h.Status))
	return err
}

const hiveCols = `id,name,lat,lon,capacity,status,population`

func scanHive(row *sql.Row) (hive.Hive, error) {
	var (
		h      hive.Hive
		status string
	)
	err := row.Scan(&h.ID, &h.Name, &h.Lat, &h.Lon, &h.Capacity, &status, &h.Population)
	if errors.Is(err, sql.ErrNoRows) {
		return hive.Hive{}, hive.ErrNotFound
	}
	if err != nil {
		return hive.Hive{}, err
	}
	h.Status = hive.HiveStatus(status)
	return h, nil
}

func (s *Store) HiveByID(ctx context.Context, hiveID int64) (hive.Hive, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hiveCols+` FROM hives WHERE id=?`, hiveID)
	h, err := scanHive(row)
	if errors.Is(err, hive.ErrNotFound) {
		return hive.Hive{}, fmt.Errorf("hive %d: %w", hiveID, hive.ErrNotFound)
	}
	return h, err
}

func (s *Store) hivesWhere(ctx context.Context, where string, args ...any) ([]hive.Hive, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hiveCols+` FROM hives `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hive.Hive
	for rows.Next() {
		var (
			h      hive.Hive
			status string
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.Lat, &h.Lon, &h.Capacity, &status, &h.Population); err != nil {
			return nil, err
		}
		h.Status = hive.HiveStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Hives(ctx context.Context) ([]hive.Hive, error) {
	return s.hivesWhere(ctx, ``)
}

func (s *Store) ActiveHives(ctx context.Context) ([]hive.Hive, error) {
	return s.hivesWhere(ctx, `WHERE status=?`, string(hive.StatusActive))
}

func (s *Store) DormantHives(ctx context.Context) ([]hive.Hive, error) {
	return s.hivesWhere(ctx, `WHERE status=?`, string(hive.StatusDormant))
}

func (s *Store) SetHiveStatus(ctx context.Context, hiveID int64, status hive.HiveStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hives SET status=? WHERE id=?`, string(status), hiveID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("hive %d: %w", hiveID, hive.ErrNotFound)
	}
	return nil
}

// AddHivePopulation adjusts the incrementally maintained aggregate, flooring
// at zero.
func (s *Store) AddHivePopulation(ctx context.Context, hiveID int64, delta int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hives SET population=MAX(population+?,0) WHERE id=?`, delta, hiveID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("hive %d: %w", hiveID, hive.ErrNotFound)
	}
	return nil
}

// SetHivePopulation overwrites the aggregate; the migration coordinator
// uses it to square the counter with the assignment table after a run.
func (s *Store) SetHivePopulation(ctx context.Context, hiveID int64, population int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hives SET population=? WHERE id=?`, population, hiveID)
	return err
}

// ChamberCount counts allocated chambers in a hive.
func (s *Store) ChamberCount(ctx context.Context, hiveID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chambers WHERE hive_id=?`, hiveID).Scan(&n)
	return n, err
}

// AgentCount counts current agent assignments in a hive. Backed by the
// assignment table, not the population counter, so a coordinator pass sees
// exactly the rows it has written.
func (s *Store) AgentCount(ctx context.Context, hiveID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_assignments WHERE hive_id=?`, hiveID).Scan(&n)
	return n, err
}
