// Package hivedb is the durable chamber store: chambers, agent assignments,
// consensus events, and migration records in one sqlite database. It is the
// single owner of persisted state; the manager and the migration
// coordinator only hold transient query results.
package hivedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hexhive.ai/internal/hive"
)

type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path and applies the
// schema. One connection only: sqlite serializes writers anyway and a single
// connection keeps count queries consistent with the writes of the same
// coordinator pass.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hives (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			lat REAL NOT NULL DEFAULT 0,
			lon REAL NOT NULL DEFAULT 0,
			capacity INTEGER NOT NULL,
			status TEXT NOT NULL,
			population INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS chambers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hive_id INTEGER NOT NULL REFERENCES hives(id),
			address TEXT NOT NULL,
			life_path_tag TEXT NOT NULL DEFAULT '',
			lat_hash TEXT NOT NULL DEFAULT '',
			lon_hash TEXT NOT NULL DEFAULT '',
			cell_index INTEGER NOT NULL DEFAULT 0,
			walls TEXT NOT NULL DEFAULT '000000',
			occupants INTEGER NOT NULL DEFAULT 0,
			last_consensus TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (hive_id, address)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chambers_hive ON chambers(hive_id);`,
		`CREATE INDEX IF NOT EXISTS idx_chambers_cell ON chambers(hive_id, cell_index);`,
		`CREATE TABLE IF NOT EXISTS agent_assignments (
			agent_id TEXT PRIMARY KEY,
			hive_id INTEGER NOT NULL,
			chamber_id INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_hive ON agent_assignments(hive_id);`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_chamber ON agent_assignments(chamber_id);`,
		`CREATE TABLE IF NOT EXISTS consensus_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hive_id INTEGER NOT NULL,
			chamber_id INTEGER NOT NULL,
			wall_pattern TEXT NOT NULL,
			alignment_pct REAL NOT NULL,
			anchor_receipt TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consensus_chamber ON consensus_events(chamber_id);`,
		`CREATE INDEX IF NOT EXISTS idx_consensus_hive ON consensus_events(hive_id);`,
		`CREATE TABLE IF NOT EXISTS migration_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			from_hive INTEGER NOT NULL,
			to_hive INTEGER NOT NULL,
			from_chamber INTEGER NOT NULL,
			to_chamber INTEGER NOT NULL,
			ledger_receipt TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_migration_agent ON migration_records(agent_id);`,
		`CREATE TABLE IF NOT EXISTS migration_checkpoints (
			job_id TEXT PRIMARY KEY,
			batch_index INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation matches the sqlite unique-constraint error for the
// chamber address index.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateChamber allocates the chamber row for a freshly reached cell. The
// cell index is the new id modulo the hive's lattice capacity, fixed in the
// same transaction so geometry lookups and the row can never disagree. A
// duplicate address within the hive returns hive.ErrAddressExists.
func (s *Store) CreateChamber(ctx context.Context, hiveID int64, address, lifePathTag, latHash, lonHash string) (hive.Chamber, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hive.Chamber{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var capacity int64
	err = tx.QueryRowContext(ctx, `SELECT capacity FROM hives WHERE id=?`, hiveID).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return hive.Chamber{}, fmt.Errorf("hive %d: %w", hiveID, hive.ErrNotFound)
	}
	if err != nil {
		return hive.Chamber{}, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chambers(hive_id,address,life_path_tag,lat_hash,lon_hash,created_at) VALUES(?,?,?,?,?,?)`,
		hiveID, address, lifePathTag, latHash, lonHash, now())
	if isUniqueViolation(err) {
		return hive.Chamber{}, fmt.Errorf("chamber %s in hive %d: %w", address, hiveID, hive.ErrAddressExists)
	}
	if err != nil {
		return hive.Chamber{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return hive.Chamber{}, err
	}
	cell := id % capacity
	if _, err := tx.ExecContext(ctx, `UPDATE chambers SET cell_index=? WHERE id=?`, cell, id); err != nil {
		return hive.Chamber{}, err
	}
	if err := tx.Commit(); err != nil {
		return hive.Chamber{}, err
	}
	return hive.Chamber{
		ID:          id,
		HiveID:      hiveID,
		Address:     address,
		LifePathTag: lifePathTag,
		LatHash:     latHash,
		LonHash:     lonHash,
		CellIndex:   int(cell),
	}, nil
}

// CreateChamberAt allocates a chamber at an explicit cell index. Migration
// uses this for plan destinations, whose cells are chosen sequentially
// rather than derived from the row id.
func (s *Store) CreateChamberAt(ctx context.Context, hiveID int64, address string, cellIndex int) (hive.Chamber, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chambers(hive_id,address,cell_index,created_at) VALUES(?,?,?,?)`,
		hiveID, address, cellIndex, now())
	if isUniqueViolation(err) {
		return hive.Chamber{}, fmt.Errorf("chamber %s in hive %d: %w", address, hiveID, hive.ErrAddressExists)
	}
	if err != nil {
		return hive.Chamber{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return hive.Chamber{}, err
	}
	return hive.Chamber{ID: id, HiveID: hiveID, Address: address, CellIndex: cellIndex}, nil
}

const chamberCols = `id,hive_id,address,life_path_tag,lat_hash,lon_hash,cell_index,walls,occupants,last_consensus`

func scanChamber(row *sql.Row) (hive.Chamber, error) {
	var (
		ch     hive.Chamber
		walls  string
		lastTS sql.NullString
	)
	err := row.Scan(&ch.ID, &ch.HiveID, &ch.Address, &ch.LifePathTag, &ch.LatHash, &ch.LonHash,
		&ch.CellIndex, &walls, &ch.Occupants, &lastTS)
	if errors.Is(err, sql.ErrNoRows) {
		return hive.Chamber{}, hive.ErrNotFound
	}
	if err != nil {
		return hive.Chamber{}, err
	}
	ch.Walls, err = hive.ParseWallVector(walls)
	if err != nil {
		return hive.Chamber{}, err
	}
	if lastTS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastTS.String); err == nil {
			ch.LastConsensus = &t
		}
	}
	return ch, nil
}

func (s *Store) ChamberByID(ctx context.Context, chamberID int64) (hive.Chamber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chamberCols+` FROM chambers WHERE id=?`, chamberID)
	return scanChamber(row)
}

func (s *Store) ChamberByAddress(ctx context.Context, hiveID int64, address string) (hive.Chamber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chamberCols+` FROM chambers WHERE hive_id=? AND address=?`, hiveID, address)
	return scanChamber(row)
}

// ChamberByCell resolves the chamber occupying a lattice cell. When id
// wraparound has put more than one chamber on a cell the oldest wins; the
// geometry treats the rest as shadowed.
func (s *Store) ChamberByCell(ctx context.Context, hiveID int64, cellIndex int) (hive.Chamber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chamberCols+` FROM chambers WHERE hive_id=? AND cell_index=? ORDER BY id LIMIT 1`,
		hiveID, cellIndex)
	return scanChamber(row)
}

// UpdateWallState fully replaces the six-flag vector.
func (s *Store) UpdateWallState(ctx context.Context, chamberID int64, walls hive.WallVector) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chambers SET walls=? WHERE id=?`, walls.String(), chamberID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chamber %d: %w", chamberID, hive.ErrNotFound)
	}
	return nil
}

// IncrementOccupants bumps the occupant count atomically.
func (s *Store) IncrementOccupants(ctx context.Context, chamberID int64) error {
	return s.adjustOccupants(ctx, chamberID, `occupants+1`)
}

// DecrementOccupants lowers the occupant count, flooring at zero. Migration
// calls this for vacated source chambers so per-chamber counts stay true to
// the hive aggregate.
func (s *Store) DecrementOccupants(ctx context.Context, chamberID int64) error {
	return s.adjustOccupants(ctx, chamberID, `MAX(occupants-1,0)`)
}

func (s *Store) adjustOccupants(ctx context.Context, chamberID int64, expr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chambers SET occupants=`+expr+` WHERE id=?`, chamberID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chamber %d: %w", chamberID, hive.ErrNotFound)
	}
	return nil
}

// AssignAgent records an agent's current placement; an agent holds at most
// one at a time.
func (s *Store) AssignAgent(ctx context.Context, agentID string, hiveID, chamberID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_assignments(agent_id,hive_id,chamber_id,updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(agent_id) DO UPDATE SET hive_id=excluded.hive_id, chamber_id=excluded.chamber_id, updated_at=excluded.updated_at`,
		agentID, hiveID, chamberID, now())
	return err
}

func (s *Store) AssignmentByAgent(ctx context.Context, agentID string) (hive.Assignment, error) {
	var a hive.Assignment
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id,hive_id,chamber_id FROM agent_assignments WHERE agent_id=?`, agentID).
		Scan(&a.AgentID, &a.HiveID, &a.ChamberID)
	if errors.Is(err, sql.ErrNoRows) {
		return hive.Assignment{}, fmt.Errorf("agent %s: %w", agentID, hive.ErrNotFound)
	}
	return a, err
}

// AssignmentsByHive lists the current placements in one hive, oldest first.
func (s *Store) AssignmentsByHive(ctx context.Context, hiveID int64) ([]hive.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id,hive_id,chamber_id FROM agent_assignments WHERE hive_id=? ORDER BY updated_at, agent_id`, hiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hive.Assignment
	for rows.Next() {
		var a hive.Assignment
		if err := rows.Scan(&a.AgentID, &a.HiveID, &a.ChamberID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
