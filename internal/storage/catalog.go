// Copyright 2024 btrfsdiff Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package storage keeps a catalog of subvolume fingerprints in a libsql
// database so runs can be compared over time.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/freeze"
	"btrfsdiff/internal/util"
)

// Catalog is an open catalog file.
type Catalog struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// Entry is one subvolume to record.
type Entry struct {
	Subvolume   string
	UUID        string
	ParentUUID  string
	CTransID    uint64
	Fingerprint string
}

// EntriesFrom lists the subvolumes of fs in order.
func EntriesFrom(fs *freeze.FrozenSet) []Entry {
	out := make([]Entry, 0, len(fs.Subvolumes))
	for _, sv := range fs.Subvolumes {
		e := Entry{
			Subvolume:   sv.Name,
			UUID:        sv.UUID.String(),
			CTransID:    sv.CTransID,
			Fingerprint: sv.Fingerprint(),
		}
		if sv.ParentUUID != uuid.Nil {
			e.ParentUUID = sv.ParentUUID.String()
		}
		out = append(out, e)
	}
	return out
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets the PRAGMAs libsql ignores in the DSN.
func applyPragmas(db *sql.DB) error {
	// busy_timeout first so journal_mode waits for locks.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

// Open opens the catalog at path, creating it and its schema if needed.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create catalog dir: %w", err)
	}
	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := execStatements(db, catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initSchemaInfo, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema info: %w", err)
	}

	c := &Catalog{path: path, db: db, bun: bun.NewDB(db, sqlitedialect.New())}
	fileType, err := c.schemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "catalog" {
		db.Close()
		return nil, fmt.Errorf("not a catalog file (type=%s)", fileType)
	}
	log.Debugf("[Catalog] opened %s", path)
	return c, nil
}

// Close checkpoints the WAL and closes the database.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so Query() not Exec()
	if err := execPragma(c.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[Catalog] WAL checkpoint failed: %v", err)
	}
	err := c.db.Close()
	c.db = nil
	if err != nil {
		return err
	}
	os.Remove(c.path + "-wal")
	os.Remove(c.path + "-shm")
	return nil
}

// Path returns the file path
func (c *Catalog) Path() string {
	return c.path
}

func (c *Catalog) schemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := c.bun.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// Record stores entries as one run and returns the run id.
// Uses retry logic for transient "database is locked" errors when two
// commands record at once.
func (c *Catalog) Record(ctx context.Context, source string, entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: nothing to record", common.ErrInvalidOperation)
	}
	return util.RetryWithResult(ctx,
		func() (int64, error) {
			return c.record(ctx, source, entries)
		},
		util.DatabaseRetryOptions(ctx)...)
}

func (c *Catalog) record(ctx context.Context, source string, entries []Entry) (int64, error) {
	var runID int64
	err := c.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var last sql.NullInt64
		if err := tx.NewRaw(`SELECT MAX(run_id) FROM fingerprints`).Scan(ctx, &last); err != nil {
			return err
		}
		runID = last.Int64 + 1
		now := time.Now().Unix()

		models := make([]FingerprintModel, len(entries))
		for i, e := range entries {
			models[i] = FingerprintModel{
				RunID:       runID,
				Subvolume:   e.Subvolume,
				UUID:        e.UUID,
				ParentUUID:  e.ParentUUID,
				CTransID:    int64(e.CTransID),
				Fingerprint: e.Fingerprint,
				Source:      source,
				RecordedAt:  now,
			}
		}
		// RETURNING fills the ids (libsql doesn't support LastInsertId)
		_, err := tx.NewInsert().
			Model(&models).
			Returning("id").
			Exec(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Debugf("[Catalog] recorded run %d with %d subvolumes", runID, len(entries))
	return runID, nil
}

// Latest returns the most recent record of subvolume.
// Returns ErrNotFound if it was never recorded.
func (c *Catalog) Latest(ctx context.Context, subvolume string) (*FingerprintModel, error) {
	var m FingerprintModel
	err := c.bun.NewSelect().
		Model(&m).
		Where("subvolume = ?", subvolume).
		Order("run_id DESC", "id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, subvolume)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// History lists the records of subvolume, newest run first. An empty name
// lists every subvolume.
func (c *Catalog) History(ctx context.Context, subvolume string) ([]FingerprintModel, error) {
	var out []FingerprintModel
	q := c.bun.NewSelect().Model(&out)
	if subvolume != "" {
		q = q.Where("subvolume = ?", subvolume)
	}
	if err := q.Order("run_id DESC", "id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Matching lists the records sharing fingerprint, oldest first.
func (c *Catalog) Matching(ctx context.Context, fingerprint string) ([]FingerprintModel, error) {
	var out []FingerprintModel
	err := c.bun.NewSelect().
		Model(&out).
		Where("fingerprint = ?", fingerprint).
		Order("run_id ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}
