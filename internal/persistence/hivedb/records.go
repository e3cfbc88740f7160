package hivedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"hexhive.ai/internal/hive"
)

// LogConsensusEvent appends one consensus event and stamps the chamber's
// last-consensus time in the same transaction. Events are never updated or
// deleted.
func (s *Store) LogConsensusEvent(ctx context.Context, ev hive.ConsensusEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO consensus_events(hive_id,chamber_id,wall_pattern,alignment_pct,anchor_receipt,at) VALUES(?,?,?,?,?,?)`,
		ev.HiveID, ev.ChamberID, ev.WallPattern, ev.AlignmentPct, ev.AnchorReceipt, ts)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chambers SET last_consensus=? WHERE id=?`, ts, ev.ChamberID); err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// RecordMigration appends one per-agent migration record.
func (s *Store) RecordMigration(ctx context.Context, rec hive.MigrationRecord) (int64, error) {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO migration_records(agent_id,from_hive,to_hive,from_chamber,to_chamber,ledger_receipt,at) VALUES(?,?,?,?,?,?,?)`,
		rec.AgentID, rec.FromHive, rec.ToHive, rec.FromChamber, rec.ToChamber, rec.LedgerReceipt, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// StampMigrationReceipt back-fills the ledger receipt on the records of one
// run. The rows themselves stay immutable in every other column; the
// receipt arrives only after the whole run has committed.
func (s *Store) StampMigrationReceipt(ctx context.Context, recordIDs []int64, receipt string) error {
	if len(recordIDs) == 0 || receipt == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `UPDATE migration_records SET ledger_receipt=? WHERE id=? AND ledger_receipt=''`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range recordIDs {
		if _, err := stmt.ExecContext(ctx, receipt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MigrationRecordsByReceipt lists the records anchored under one ledger
// receipt, oldest first. Archival reads a finished run back through this.
func (s *Store) MigrationRecordsByReceipt(ctx context.Context, receipt string) ([]hive.MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,agent_id,from_hive,to_hive,from_chamber,to_chamber,ledger_receipt,at
		 FROM migration_records WHERE ledger_receipt=? ORDER BY id`, receipt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hive.MigrationRecord
	for rows.Next() {
		var (
			rec hive.MigrationRecord
			at  string
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.FromHive, &rec.ToHive, &rec.FromChamber, &rec.ToChamber, &rec.LedgerReceipt, &at); err != nil {
			return nil, err
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MigrationTotals reports lifetime migrated-agent counts per destination
// hive.
func (s *Store) MigrationTotals(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT to_hive, COUNT(*) FROM migration_records GROUP BY to_hive`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]int64{}
	for rows.Next() {
		var hiveID, n int64
		if err := rows.Scan(&hiveID, &n); err != nil {
			return nil, err
		}
		out[hiveID] = n
	}
	return out, rows.Err()
}

// RecentConsensusEvents lists the newest consensus events for a hive, newest
// first.
func (s *Store) RecentConsensusEvents(ctx context.Context, hiveID int64, limit int) ([]hive.ConsensusEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,hive_id,chamber_id,wall_pattern,alignment_pct,anchor_receipt,at
		 FROM consensus_events WHERE hive_id=? ORDER BY id DESC LIMIT ?`, hiveID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hive.ConsensusEvent
	for rows.Next() {
		var (
			ev hive.ConsensusEvent
			at string
		)
		if err := rows.Scan(&ev.ID, &ev.HiveID, &ev.ChamberID, &ev.WallPattern, &ev.AlignmentPct, &ev.AnchorReceipt, &at); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveMigrationCheckpoint persists the last completed batch index of a
// migration job so a crashed run resumes instead of restarting.
func (s *Store) SaveMigrationCheckpoint(ctx context.Context, jobID string, batchIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migration_checkpoints(job_id,batch_index,updated_at) VALUES(?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET batch_index=excluded.batch_index, updated_at=excluded.updated_at`,
		jobID, batchIndex, now())
	return err
}

// MigrationCheckpoint returns the last completed batch index for a job, or
// hive.ErrNotFound when the job never checkpointed.
func (s *Store) MigrationCheckpoint(ctx context.Context, jobID string) (int, error) {
	var idx int
	err := s.db.QueryRowContext(ctx, `SELECT batch_index FROM migration_checkpoints WHERE job_id=?`, jobID).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, hive.ErrNotFound
	}
	return idx, err
}

// UnfinishedMigrationJob returns the most recently touched checkpoint, if
// any. A row here means a previous run never completed.
func (s *Store) UnfinishedMigrationJob(ctx context.Context) (string, int, error) {
	var (
		jobID string
		idx   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id,batch_index FROM migration_checkpoints ORDER BY updated_at DESC LIMIT 1`).Scan(&jobID, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, hive.ErrNotFound
	}
	return jobID, idx, err
}

// ClearMigrationCheckpoint drops a finished job's checkpoint.
func (s *Store) ClearMigrationCheckpoint(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_checkpoints WHERE job_id=?`, jobID)
	return err
}
