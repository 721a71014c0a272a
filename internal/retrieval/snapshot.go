package retrieval

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// snapshotFormat is stored in PRAGMA user_version of snapshot files.
const snapshotFormat = 1

var snapshotSchema = []string{
	`CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE records (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL
	)`,
}

// SaveSnapshot writes the current snapshot to path as a SQLite database. The
// file is written beside path and renamed over it, so readers of path see the
// old file or the new one.
func (idx *Index) SaveSnapshot(path string) error {
	snap := idx.snap.Load()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.db")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	if err := idx.writeSnapshot(tmpName, snap); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (idx *Index) writeSnapshot(path string, snap *snapshot) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	for _, m := range snapshotSchema {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("snapshot schema: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", snapshotFormat)); err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	meta := map[string]string{
		"dimension": strconv.Itoa(idx.dim),
		"metric":    string(idx.metric),
		"version":   strconv.FormatUint(snap.version, 10),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}
	stmt, err := tx.Prepare(`INSERT INTO records (seq, id, text, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range snap.records {
		if _, err := stmt.Exec(i, r.ID, r.SourceText, encodeVector(r.Embedding)); err != nil {
			return fmt.Errorf("write record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

type snapshotFile struct {
	dim     int
	metric  Metric
	version uint64
	records []Record
}

func readSnapshot(path string) (*snapshotFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	var format int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&format); err != nil {
		return nil, fmt.Errorf("read snapshot format: %w", err)
	}
	if format != snapshotFormat {
		return nil, fmt.Errorf("unsupported snapshot format %d (want %d)", format, snapshotFormat)
	}
	meta := map[string]string{}
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, err
		}
		meta[k] = v
	}
	rows.Close()
	out := &snapshotFile{}
	if out.dim, err = strconv.Atoi(meta["dimension"]); err != nil || out.dim <= 0 {
		return nil, errors.New("snapshot meta: invalid dimension")
	}
	if out.metric, err = ParseMetric(meta["metric"]); err != nil {
		return nil, fmt.Errorf("snapshot meta: %w", err)
	}
	out.version, _ = strconv.ParseUint(meta["version"], 10, 64)

	rows, err = db.Query(`SELECT id, text, embedding FROM records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("read snapshot records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r    Record
			blob []byte
		)
		if err := rows.Scan(&r.ID, &r.SourceText, &blob); err != nil {
			return nil, err
		}
		if r.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		out.records = append(out.records, r)
	}
	return out, rows.Err()
}

// OpenSnapshot builds an index from a snapshot file, taking its dimension and
// metric from the file.
func OpenSnapshot(path string, opts ...Option) (*Index, error) {
	f, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	idx, err := New(f.dim, append([]Option{WithMetric(f.metric)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := idx.Rebuild(f.records); err != nil {
		return nil, err
	}
	cur := idx.snap.Load()
	idx.snap.Store(&snapshot{records: cur.records, version: f.version})
	return idx, nil
}

// LoadSnapshot replaces the index contents with a snapshot file. The file
// must have the index's dimension.
func (idx *Index) LoadSnapshot(path string) error {
	f, err := readSnapshot(path)
	if err != nil {
		return err
	}
	if f.dim != idx.dim {
		return &DimensionMismatchError{Want: idx.dim, Got: f.dim}
	}
	return idx.Rebuild(f.records)
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not float32 aligned", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
