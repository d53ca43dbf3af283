package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flowmetrics/analytics-engine/internal/dag"
	analyticserrors "github.com/flowmetrics/analytics-engine/internal/errors"
	"github.com/flowmetrics/analytics-engine/internal/model"
)

// sqliteSchema mirrors the subset of the Postgres schema a local/dev
// run exercises: the commit DAG cache and the precomputed PR↔release
// mapping. SQLiteStore does not implement the full Metadata Store
// reader surface (release.Store, facts.Store) — a local run seeds
// those via fixtures or a Postgres connection; SQLiteStore's job is
// the Precomputed Store role only.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS commit_dag_cache (
	repository TEXT PRIMARY KEY,
	hashes     TEXT NOT NULL,
	vertexes   TEXT NOT NULL,
	edges      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS precomputed_pr_release_mapping (
	pr_node_id       TEXT NOT NULL,
	rule_fingerprint TEXT NOT NULL,
	release_id       TEXT NOT NULL,
	released_at      TIMESTAMP NOT NULL,
	author           TEXT NOT NULL,
	url              TEXT NOT NULL,
	repository       TEXT NOT NULL,
	matched_by       TEXT NOT NULL,
	computed_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (pr_node_id, rule_fingerprint)
);
`

// SQLiteStore is the local/dev Precomputed Store, grounded on the
// teacher's schema-init-on-connect pattern: the schema is applied
// idempotently at construction so a fresh local database file and an
// existing one both work without a separate migration step.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if absent) the sqlite file at path
// and applies sqliteSchema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, analyticserrors.StorageUnavailable(err, "opening local sqlite store")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, analyticserrors.StorageUnavailable(err, "applying local sqlite schema")
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadDAG implements dag.Persister. Arrays are stored as
// comma-joined int32 text rather than Postgres's native int4[] —
// sqlite has no array type, so encodeInt32s/decodeInt32s round-trip
// them through a simple delimited string.
func (s *SQLiteStore) LoadDAG(ctx context.Context, repo string) (dag.DAG, bool, error) {
	var row struct {
		Hashes   string `db:"hashes"`
		Vertexes string `db:"vertexes"`
		Edges    string `db:"edges"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT hashes, vertexes, edges FROM commit_dag_cache WHERE repository = ?`, repo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dag.DAG{}, false, nil
		}
		return dag.DAG{}, false, analyticserrors.StorageUnavailable(err, "loading cached commit dag")
	}
	vertexes, err := decodeInt32s(row.Vertexes)
	if err != nil {
		return dag.DAG{}, false, analyticserrors.StorageUnavailable(err, "decoding cached dag vertexes")
	}
	edges, err := decodeInt32s(row.Edges)
	if err != nil {
		return dag.DAG{}, false, analyticserrors.StorageUnavailable(err, "decoding cached dag edges")
	}
	return dag.DAG{Hashes: decodeStrings(row.Hashes), Vertexes: vertexes, Edges: edges}, true, nil
}

// SaveDAG implements dag.Persister.
func (s *SQLiteStore) SaveDAG(ctx context.Context, repo string, d dag.DAG) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commit_dag_cache (repository, hashes, vertexes, edges, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (repository) DO UPDATE SET
			hashes = excluded.hashes, vertexes = excluded.vertexes,
			edges = excluded.edges, updated_at = excluded.updated_at`,
		repo, encodeStrings(d.Hashes), encodeInt32s(d.Vertexes), encodeInt32s(d.Edges), time.Now().UTC())
	if err != nil {
		return analyticserrors.StorageUnavailable(err, "saving joined commit dag")
	}
	return nil
}

// UpsertMapping implements the Precomputed Store's mapping-write side
// for local runs, same semantics as PostgresStore.UpsertMapping.
func (s *SQLiteStore) UpsertMapping(ctx context.Context, m model.Mapping, rule model.MatchRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO precomputed_pr_release_mapping
			(pr_node_id, rule_fingerprint, release_id, released_at, author, url, repository, matched_by, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pr_node_id, rule_fingerprint) DO UPDATE SET
			release_id = excluded.release_id, released_at = excluded.released_at,
			author = excluded.author, url = excluded.url, repository = excluded.repository,
			matched_by = excluded.matched_by, computed_at = excluded.computed_at`,
		m.PRNodeID, rule.Fingerprint(), m.ReleaseID, m.ReleasedAt, m.Author, m.URL, m.Repository, m.MatchedBy, time.Now().UTC())
	if err != nil {
		return analyticserrors.StorageUnavailable(err, "upserting precomputed pr-release mapping")
	}
	return nil
}

// LoadMapping implements the Precomputed Store's mapping-read side.
func (s *SQLiteStore) LoadMapping(ctx context.Context, prNodeID string, rule model.MatchRule) (model.Mapping, bool, error) {
	var row struct {
		ReleaseID  string    `db:"release_id"`
		ReleasedAt time.Time `db:"released_at"`
		Author     string    `db:"author"`
		URL        string    `db:"url"`
		Repository string    `db:"repository"`
		MatchedBy  string    `db:"matched_by"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT release_id, released_at, author, url, repository, matched_by
		FROM precomputed_pr_release_mapping
		WHERE pr_node_id = ? AND rule_fingerprint = ?`, prNodeID, rule.Fingerprint())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Mapping{}, false, nil
		}
		return model.Mapping{}, false, analyticserrors.StorageUnavailable(err, "loading precomputed pr-release mapping")
	}
	return model.Mapping{
		PRNodeID:   prNodeID,
		ReleaseID:  row.ReleaseID,
		ReleasedAt: row.ReleasedAt,
		Author:     row.Author,
		URL:        row.URL,
		Repository: row.Repository,
		MatchedBy:  model.MatchedBy(row.MatchedBy),
	}, true, nil
}
