// Package archive freezes finished migration runs into per-job directories
// beside the database: the per-agent records as zstd-compressed JSONL plus a
// small meta.json. The database stays queryable; the archive is the portable
// copy that survives a db reset.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/migration"
)

type MigrationArchiveMeta struct {
	JobID     string `json:"job_id"`
	Migrated  int    `json:"migrated"`
	Failed    int    `json:"failed"`
	Receipt   string `json:"receipt"`
	Records   int    `json:"records"`
	CreatedAt string `json:"created_at"`
}

const recordsFile = "records.jsonl.zst"

// ArchiveMigrationRun writes one run into `dataDir/archives/job_<id>/`.
// Runs without a receipt or without records are not archivable yet and
// return archived=false without error.
func ArchiveMigrationRun(dataDir string, res migration.Result, records []hive.MigrationRecord) (archivedPath string, archived bool, err error) {
	if res.JobID == "" || res.Receipt == "" || len(records) == 0 {
		return "", false, nil
	}

	dir := filepath.Join(dataDir, "archives", "job_"+res.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}

	if err := writeRecords(filepath.Join(dir, recordsFile), records); err != nil {
		return "", false, err
	}

	meta := MigrationArchiveMeta{
		JobID:     res.JobID,
		Migrated:  res.Migrated,
		Failed:    res.Failed,
		Receipt:   res.Receipt,
		Records:   len(records),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", false, err
	}
	return dir, true, nil
}

func writeRecords(path string, records []hive.MigrationRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(enc, 64*1024)
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

// ReadArchivedRecords loads the records file of one archived job.
func ReadArchivedRecords(jobDir string) ([]hive.MigrationRecord, error) {
	f, err := os.Open(filepath.Join(jobDir, recordsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []hive.MigrationRecord
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec hive.MigrationRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("archive %s: %w", jobDir, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
